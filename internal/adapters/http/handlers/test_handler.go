// Package handlers agrupa os handlers HTTP: rota de exemplo, administração
// do limiter e endpoint WebSocket.
package handlers

import (
	"net/http"
)

// TestHandler responde com uma mensagem simples para verificar o limiter.
func TestHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Request successful"})
}

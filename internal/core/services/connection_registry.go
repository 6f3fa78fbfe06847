package services

import "sync"

// ConnectionRegistry conta conexões vivas por IP nesta instância.
type ConnectionRegistry struct {
	mu    sync.Mutex
	byIP  map[string]map[string]struct{}
	total int
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{byIP: make(map[string]map[string]struct{})}
}

// Add registers id under ip and returns the live count for ip.
func (r *ConnectionRegistry) Add(ip, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byIP[ip]
	if !ok {
		conns = make(map[string]struct{})
		r.byIP[ip] = conns
	}
	if _, dup := conns[id]; !dup {
		conns[id] = struct{}{}
		r.total++
	}
	return len(conns)
}

// Remove drops id and forgets ip once it has no connections left.
func (r *ConnectionRegistry) Remove(ip, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byIP[ip]
	if !ok {
		return 0
	}
	if _, present := conns[id]; present {
		delete(conns, id)
		r.total--
	}
	if len(conns) == 0 {
		delete(r.byIP, ip)
		return 0
	}
	return len(conns)
}

func (r *ConnectionRegistry) Count(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIP[ip])
}

func (r *ConnectionRegistry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// IPs returns how many distinct IPs hold at least one connection.
func (r *ConnectionRegistry) IPs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIP)
}

package vpn

import (
	"fmt"
	"sync"

	"vpnshop/internal/models"
)

// Builder constructs the provisioner for one server of a kind.
type Builder func(server *models.Server) Provisioner

// Registry hands out one provisioner per server, built by its kind's builder.
type Registry struct {
	builders map[Kind]Builder

	mu     sync.Mutex
	byID   map[uint]Provisioner
	config map[uint]string
}

func NewRegistry(builders map[Kind]Builder) *Registry {
	return &Registry{
		builders: builders,
		byID:     make(map[uint]Provisioner),
		config:   make(map[uint]string),
	}
}

func (r *Registry) For(server *models.Server) (Provisioner, error) {
	kind, err := ParseKind(server.Kind)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", server.ID, err)
	}
	build, ok := r.builders[kind]
	if !ok {
		return nil, fmt.Errorf("server %d: no provisioner for %s", server.ID, kind)
	}

	// Rebuild when the server's endpoint or credentials were edited.
	fingerprint := server.APIURL + "|" + server.APIKey + "|" + server.SquadID

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[server.ID]; ok && r.config[server.ID] == fingerprint {
		return p, nil
	}
	p := build(server)
	r.byID[server.ID] = p
	r.config[server.ID] = fingerprint
	return p, nil
}

// Package fakes holds in-memory stand-ins for remote collaborators.
package fakes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vpnshop/internal/models"
	"vpnshop/internal/vpn"
)

var ErrUnavailable = errors.New("fake: unavailable")

// Provisioner is an in-memory server. Live holds issued handles.
type Provisioner struct {
	mu         sync.Mutex
	seq        int
	Live       map[string]string
	Usage      map[string]int64
	Created    int
	Deleted    int
	FailCreate bool
	FailDelete bool
}

func NewProvisioner() *Provisioner {
	return &Provisioner{Live: make(map[string]string), Usage: make(map[string]int64)}
}

func (p *Provisioner) CreateCredential(ctx context.Context, ownerLabel string) (vpn.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailCreate {
		return vpn.Credential{}, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return vpn.Credential{}, err
	}
	p.seq++
	p.Created++
	handle := fmt.Sprintf("h%d", p.seq)
	p.Live[handle] = ownerLabel
	return vpn.Credential{Handle: handle, AccessURL: "vpn://" + handle}, nil
}

func (p *Provisioner) DeleteCredential(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailDelete {
		return ErrUnavailable
	}
	p.Deleted++
	delete(p.Live, handle)
	return nil
}

func (p *Provisioner) CredentialUsage(ctx context.Context, handle string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Usage[handle], nil
}

func (p *Provisioner) SetUsage(handle string, bytes int64) {
	p.mu.Lock()
	p.Usage[handle] = bytes
	p.mu.Unlock()
}

func (p *Provisioner) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Live)
}

func (p *Provisioner) SetFailCreate(v bool) {
	p.mu.Lock()
	p.FailCreate = v
	p.mu.Unlock()
}

func (p *Provisioner) SetFailDelete(v bool) {
	p.mu.Lock()
	p.FailDelete = v
	p.mu.Unlock()
}

// Provisioners maps server ids to fake servers, creating them on first use.
type Provisioners struct {
	mu      sync.Mutex
	servers map[uint]*Provisioner
}

func NewProvisioners() *Provisioners {
	return &Provisioners{servers: make(map[uint]*Provisioner)}
}

func (ps *Provisioners) For(server *models.Server) (vpn.Provisioner, error) {
	return ps.Server(server.ID), nil
}

func (ps *Provisioners) Server(id uint) *Provisioner {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.servers[id]
	if !ok {
		p = NewProvisioner()
		ps.servers[id] = p
	}
	return p
}

// Notifier records messages per user and can be told to fail.
type Notifier struct {
	mu       sync.Mutex
	Messages map[uint][]string
	Fail     bool
}

func NewNotifier() *Notifier {
	return &Notifier{Messages: make(map[uint][]string)}
}

func (n *Notifier) Send(ctx context.Context, userID uint, text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail || ctx.Err() != nil {
		return false
	}
	n.Messages[userID] = append(n.Messages[userID], text)
	return true
}

func (n *Notifier) SetFail(v bool) {
	n.mu.Lock()
	n.Fail = v
	n.mu.Unlock()
}

func (n *Notifier) Sent(userID uint) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Messages[userID]...)
}

func (n *Notifier) Total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, msgs := range n.Messages {
		total += len(msgs)
	}
	return total
}

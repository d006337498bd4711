package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vpnshop/internal/metrics"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
)

// Provisioners resolves the provisioner of a server.
type Provisioners interface {
	For(server *models.Server) (Provisioner, error)
}

// parallel caps concurrent remote calls per subscription.
const parallel = 4

// Report summarizes one Ensure pass.
type Report struct {
	Servers  int
	Existing int
	Created  int
	Failed   int
}

// Keys is the number of keys the subscription holds after the pass.
func (r Report) Keys() int { return r.Existing + r.Created }

// KeyManager keeps a subscription's keys in line with the active servers.
type KeyManager struct {
	keys         *repository.KeyRepository
	servers      *repository.ServerRepository
	provisioners Provisioners
	timeout      time.Duration
	log          *zap.Logger
}

func NewKeyManager(keys *repository.KeyRepository, servers *repository.ServerRepository, p Provisioners, timeout time.Duration, log *zap.Logger) *KeyManager {
	return &KeyManager{
		keys:         keys,
		servers:      servers,
		provisioners: p,
		timeout:      timeout,
		log:          log.Named("vpn.keys"),
	}
}

// Ensure issues a key on every active server of kind the subscription has no key on.
// Per-server failures are counted in the report and do not stop the other servers.
func (m *KeyManager) Ensure(ctx context.Context, sub *models.Subscription, kind Kind) (Report, error) {
	servers, err := m.servers.ListActiveByKind(ctx, kind.String())
	if err != nil {
		return Report{}, err
	}
	existing, err := m.keys.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return Report{}, err
	}

	have := make(map[uint]bool, len(existing))
	for _, k := range existing {
		have[k.ServerID] = true
	}

	report := Report{Servers: len(servers)}
	var missing []*models.Server
	for i := range servers {
		if have[servers[i].ID] {
			report.Existing++
			continue
		}
		missing = append(missing, &servers[i])
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(parallel)
	for _, server := range missing {
		g.Go(func() error {
			existed, err := m.issue(ctx, sub, server, kind)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				m.log.Warn("key provisioning failed",
					zap.Uint("subscription_id", sub.ID),
					zap.Uint("server_id", server.ID),
					zap.Error(err))
			case existed:
				report.Existing++
			default:
				report.Created++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("keys ensured",
		zap.Uint("subscription_id", sub.ID),
		zap.Int("servers", report.Servers),
		zap.Int("created", report.Created),
		zap.Int("failed", report.Failed))
	return report, nil
}

// issue creates one remote credential and records it. existed is true when a
// concurrent pass recorded a key for the server first; the fresh credential is
// then revoked again.
func (m *KeyManager) issue(ctx context.Context, sub *models.Subscription, server *models.Server, kind Kind) (existed bool, err error) {
	p, err := m.provisioners.For(server)
	if err != nil {
		return false, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	cred, err := p.CreateCredential(cctx, ownerLabel(sub))
	cancel()
	if err != nil {
		metrics.KeyProvisioning.WithLabelValues(kind.String(), "create", "error").Inc()
		return false, fmt.Errorf("create credential: %w", err)
	}
	metrics.KeyProvisioning.WithLabelValues(kind.String(), "create", "ok").Inc()

	key := &models.Key{
		SubscriptionID: sub.ID,
		ServerID:       server.ID,
		Kind:           kind.String(),
		Handle:         cred.Handle,
		AccessURL:      cred.AccessURL,
	}
	err = m.keys.Create(ctx, key)
	if err == nil {
		return false, nil
	}

	if derr := m.revoke(ctx, p, kind, cred.Handle); derr != nil {
		m.log.Error("orphaned remote credential",
			zap.Uint("server_id", server.ID),
			zap.String("handle", cred.Handle),
			zap.Error(derr))
	}
	if errors.Is(err, repository.ErrKeyExists) {
		return true, nil
	}
	return false, err
}

func (m *KeyManager) revoke(ctx context.Context, p Provisioner, kind Kind, handle string) error {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := p.DeleteCredential(cctx, handle); err != nil {
		metrics.KeyProvisioning.WithLabelValues(kind.String(), "delete", "error").Inc()
		return err
	}
	metrics.KeyProvisioning.WithLabelValues(kind.String(), "delete", "ok").Inc()
	return nil
}

// DeleteAll revokes every key of the subscription. A key whose remote deletion
// fails keeps its row so a later sweep can retry; the count of such keys is returned.
func (m *KeyManager) DeleteAll(ctx context.Context, subscriptionID uint) (int, error) {
	keys, err := m.keys.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	return m.deleteKeys(ctx, keys), nil
}

// SweepInactive revokes keys still held by deactivated subscriptions.
func (m *KeyManager) SweepInactive(ctx context.Context, limit int) (deleted, failed int, err error) {
	keys, err := m.keys.ListOfInactiveSubscriptions(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	failed = m.deleteKeys(ctx, keys)
	return len(keys) - failed, failed, nil
}

func (m *KeyManager) deleteKeys(ctx context.Context, keys []models.Key) int {
	failed := 0
	for i := range keys {
		key := &keys[i]
		if err := m.deleteKey(ctx, key); err != nil {
			failed++
			m.log.Warn("key deletion failed",
				zap.Uint("subscription_id", key.SubscriptionID),
				zap.Uint("key_id", key.ID),
				zap.Error(err))
		}
	}
	return failed
}

func (m *KeyManager) deleteKey(ctx context.Context, key *models.Key) error {
	server, err := m.servers.GetByID(ctx, key.ServerID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	// A removed server took its credentials with it.
	if server != nil {
		p, err := m.provisioners.For(server)
		if err != nil {
			return err
		}
		if err := m.revoke(ctx, p, Kind(key.Kind), key.Handle); err != nil {
			return err
		}
	}
	return m.keys.Delete(ctx, key.ID)
}

// SyncUsage refreshes the stored byte counters of the subscription's keys from
// servers that report usage. Failures are logged and skipped.
func (m *KeyManager) SyncUsage(ctx context.Context, subscriptionID uint) error {
	keys, err := m.keys.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	for i := range keys {
		key := &keys[i]
		server, err := m.servers.GetByID(ctx, key.ServerID)
		if err != nil {
			m.log.Debug("usage sync skipped", zap.Uint("key_id", key.ID), zap.Error(err))
			continue
		}
		p, err := m.provisioners.For(server)
		if err != nil {
			continue
		}
		reader, ok := p.(UsageReader)
		if !ok {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		bytes, err := reader.CredentialUsage(cctx, key.Handle)
		cancel()
		if err != nil {
			m.log.Warn("usage read failed",
				zap.Uint("key_id", key.ID),
				zap.Uint("server_id", server.ID),
				zap.Error(err))
			continue
		}
		if bytes == key.TrafficUsageBytes {
			continue
		}
		if err := m.keys.UpdateUsage(ctx, key.ID, bytes); err != nil {
			return err
		}
	}
	return nil
}

func ownerLabel(sub *models.Subscription) string {
	return fmt.Sprintf("sub%d_%s", sub.ID, sub.Token)
}

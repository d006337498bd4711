// Package vpn models the VPN product kinds and manages the credentials
// ("keys") a subscription holds on remote servers.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Kind is the VPN product a server speaks. The set is closed.
type Kind string

const (
	KindOutline Kind = "outline"
	KindV2Ray   Kind = "v2ray"
)

var ErrUnknownKind = errors.New("unknown vpn kind")

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindOutline, KindV2Ray:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string { return string(k) }

// Credential is what a server returns for a newly issued key.
type Credential struct {
	Handle    string
	AccessURL string
}

// Provisioner issues and revokes credentials on one server.
// DeleteCredential must treat an already absent credential as success.
type Provisioner interface {
	CreateCredential(ctx context.Context, ownerLabel string) (Credential, error)
	DeleteCredential(ctx context.Context, handle string) error
}

// UsageReader is implemented by provisioners that can report the cumulative
// byte counter of a credential.
type UsageReader interface {
	CredentialUsage(ctx context.Context, handle string) (int64, error)
}

// RequiredKeys is the number of keys a new subscription needs out of servers
// active servers. At least one key is always required.
func RequiredKeys(servers int, ratio float64) int {
	if servers <= 0 {
		return 1
	}
	n := int(math.Ceil(ratio * float64(servers)))
	return min(max(n, 1), servers)
}

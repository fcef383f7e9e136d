// ABOUTME: AgentDescriptor — the immutable registration record for one agent.
// ABOUTME: Replacing a descriptor means removing and re-adding the agent.

package agent

import (
	"fmt"
	"strings"

	"github.com/rookery-hq/rookery/internal/token"
)

// Descriptor identifies one agent: where it lives, what it claims to do,
// and how the hub authenticates to it. Immutable once registered.
type Descriptor struct {
	ID           string           `yaml:"id" json:"id"`
	Endpoint     string           `yaml:"endpoint" json:"endpoint"`
	Capabilities []string         `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Auth         token.AuthConfig `yaml:"auth" json:"auth"`
}

// Validate checks the fields a registration cannot proceed without.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if d.Endpoint == "" {
		return fmt.Errorf("agent %s: endpoint is required", d.ID)
	}
	if err := d.Auth.Validate(); err != nil {
		return fmt.Errorf("agent %s: %w", d.ID, err)
	}
	return nil
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SelfCertificationLevel controls who may be handed work covering their own
// access.
type SelfCertificationLevel string

const (
	SelfCertifyAll                SelfCertificationLevel = "all"
	SelfCertifyCertificationAdmin SelfCertificationLevel = "certification_admin"
	SelfCertifySystemAdmin        SelfCertificationLevel = "system_admin"
	SelfCertifyNone               SelfCertificationLevel = "none"
)

// Definition is the certification-definition configuration: the feature flags
// that shape which decisions are offered and how delegation behaves.
type Definition struct {
	AllowItemDelegation       bool                   `yaml:"allow_item_delegation"`
	AllowEntityDelegation     bool                   `yaml:"allow_entity_delegation"`
	AllowExceptions           bool                   `yaml:"allow_exceptions"`
	AllowApproveAccounts      bool                   `yaml:"allow_approve_accounts"`
	AllowAccountRevocation    bool                   `yaml:"allow_account_revocation"`
	RequireDelegationReview   bool                   `yaml:"require_delegation_review"`
	RequireMitigationComments bool                   `yaml:"require_mitigation_comments"`
	SelfCertificationLevel    SelfCertificationLevel `yaml:"self_certification_level"`
	ExceptionDurationDays     int                    `yaml:"exception_duration_days"`
}

// Config models certline.yml.
type Config struct {
	Certification struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"certification"`
	Definition Definition `yaml:"definition"`
}

const fileName = "certline.yml"

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Certification.ID == "" {
		return fmt.Errorf("config.certification.id is required")
	}
	switch c.Definition.SelfCertificationLevel {
	case SelfCertifyAll, SelfCertifyCertificationAdmin, SelfCertifySystemAdmin, SelfCertifyNone:
	case "":
		return fmt.Errorf("config.definition.self_certification_level is required")
	default:
		return fmt.Errorf("unknown self_certification_level %q", c.Definition.SelfCertificationLevel)
	}
	if c.Definition.ExceptionDurationDays < 0 {
		return fmt.Errorf("config.definition.exception_duration_days must not be negative")
	}
	return nil
}

// Default returns the baseline definition for a certification.
func Default(certificationID string) *Config {
	c := &Config{}
	c.Certification.ID = certificationID
	c.Certification.Name = certificationID
	c.Definition = Definition{
		AllowItemDelegation:    true,
		AllowEntityDelegation:  true,
		AllowExceptions:        true,
		AllowApproveAccounts:   true,
		AllowAccountRevocation: true,
		SelfCertificationLevel: SelfCertifySystemAdmin,
		ExceptionDurationDays:  90,
	}
	return c
}

// Package tenant resolves tenant emission profiles from a YAML directory
// file. Profiles carry the issuer-side data every document inherits:
// RUC, establishment, emission point and environment.
package tenant

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/facturalink/sri-engine/internal/model"
)

// Profile is the YAML shape of one tenant entry.
type Profile struct {
	RUC                  string `yaml:"ruc"`
	BusinessName         string `yaml:"business_name"`
	TradeName            string `yaml:"trade_name"`
	HeadOfficeAddress    string `yaml:"head_office_address"`
	EstablishmentAddress string `yaml:"establishment_address"`
	EstablishmentCode    string `yaml:"establishment_code"`
	EmissionPoint        string `yaml:"emission_point"`
	AccountingRequired   bool   `yaml:"accounting_required"`
	SpecialTaxpayer      string `yaml:"special_taxpayer"`
}

// Directory maps tenant IDs to emission profiles. It is safe for concurrent
// readers and can be reloaded in place after edits to the backing file.
type Directory struct {
	env  model.Environment
	path string

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewDirectory creates an empty directory for env.
func NewDirectory(env model.Environment) *Directory {
	return &Directory{env: env, profiles: make(map[string]Profile)}
}

// LoadDirectory reads a YAML file mapping tenant IDs to profiles.
func LoadDirectory(path string, env model.Environment) (*Directory, error) {
	d := &Directory{env: env, path: path, profiles: make(map[string]Profile)}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the backing file, replacing all profiles atomically.
func (d *Directory) Reload() error {
	if d.path == "" {
		return fmt.Errorf("tenant directory has no backing file")
	}
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read tenant directory %s: %w", d.path, err)
	}
	profiles := make(map[string]Profile)
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return fmt.Errorf("parse tenant directory %s: %w", d.path, err)
	}
	d.mu.Lock()
	d.profiles = profiles
	d.mu.Unlock()
	return nil
}

// Register adds or replaces a profile, mainly for tests and CLI use.
func (d *Directory) Register(tenantID string, p Profile) {
	d.mu.Lock()
	d.profiles[tenantID] = p
	d.mu.Unlock()
}

// Profile resolves the full model profile for a tenant.
func (d *Directory) Profile(tenantID string) (*model.TenantProfile, error) {
	d.mu.RLock()
	p, ok := d.profiles[tenantID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tenant %q", tenantID)
	}
	return &model.TenantProfile{
		TenantID:             tenantID,
		RUC:                  p.RUC,
		BusinessName:         p.BusinessName,
		TradeName:            p.TradeName,
		HeadOfficeAddress:    p.HeadOfficeAddress,
		EstablishmentAddress: p.EstablishmentAddress,
		EstablishmentCode:    p.EstablishmentCode,
		EmissionPoint:        p.EmissionPoint,
		Environment:          d.env,
		AccountingRequired:   p.AccountingRequired,
		SpecialTaxpayer:      p.SpecialTaxpayer,
	}, nil
}

// IDs lists the known tenant IDs.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.profiles))
	for id := range d.profiles {
		ids = append(ids, id)
	}
	return ids
}

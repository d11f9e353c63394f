package zatca

import (
	"strings"

	"github.com/go-faster/errors"

	"github.com/alapierre/go-zatca-client/zatca/keys"
)

type Environment int

const (
	Sandbox Environment = iota
	Simulation
	Production
)

func (e Environment) BaseURL() string {
	switch e {
	case Production:
		return "https://gw-fatoora.zatca.gov.sa/e-invoicing/core"
	case Simulation:
		return "https://gw-fatoora.zatca.gov.sa/e-invoicing/simulation"
	case Sandbox:
		return "https://gw-fatoora.zatca.gov.sa/e-invoicing/developer-portal"
	}
	panic("Invalid environment")
}

func (e Environment) Name() string {
	switch e {
	case Production:
		return "production"
	case Simulation:
		return "simulation"
	case Sandbox:
		return "sandbox"
	}
	panic("Invalid environment")
}

func (e Environment) String() string {
	return e.Name()
}

// CertificateTemplateName is the template requested in the unit's CSR.
func (e Environment) CertificateTemplateName() string {
	switch e {
	case Production:
		return keys.TemplateProduction
	case Simulation:
		return keys.TemplateSimulation
	default:
		return keys.TemplateSandbox
	}
}

func (e *Environment) UnmarshalText(text []byte) error {
	val := strings.ToLower(strings.TrimSpace(string(text)))

	switch val {
	case "production", "prod", "core":
		*e = Production
	case "simulation", "sim":
		*e = Simulation
	case "sandbox", "developer-portal":
		*e = Sandbox
	default:
		return errors.Errorf("invalid ZATCA_ENV: %q (allowed: sandbox, simulation, production)", val)
	}
	return nil
}

func (e Environment) MarshalText() ([]byte, error) {
	return []byte(e.Name()), nil
}

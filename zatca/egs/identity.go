package egs

import (
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/alapierre/go-zatca-client/zatca/keys"
)

type Location struct {
	City            string `json:"city"`
	CitySubdivision string `json:"citySubdivision"`
	Street          string `json:"street"`
	PlotID          string `json:"plotId"`
	Building        string `json:"building"`
	PostalZone      string `json:"postalZone"`
}

// Party is the optional default buyer of a unit.
type Party struct {
	Name      string   `json:"name"`
	VATNumber string   `json:"vatNumber,omitempty"`
	CRN       string   `json:"crn,omitempty"`
	Location  Location `json:"location"`
}

// Identity is the immutable description of one e-invoice generation solution unit.
type Identity struct {
	UUID           string   `json:"uuid"`
	CustomID       string   `json:"customId"`
	Model          string   `json:"model"`
	SolutionName   string   `json:"solutionName"`
	CRN            string   `json:"crn"`
	VATName        string   `json:"vatName"`
	VATNumber      string   `json:"vatNumber"`
	Location       Location `json:"location"`
	BranchName     string   `json:"branchName"`
	BranchIndustry string   `json:"branchIndustry"`
	Customer       *Party   `json:"customer,omitempty"`
}

// NewIdentity assigns a fresh UUID when id has none and validates the result.
func NewIdentity(id Identity) (Identity, error) {
	if id.UUID == "" {
		id.UUID = uuid.NewString()
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func (i Identity) Validate() error {
	if _, err := uuid.Parse(i.UUID); err != nil {
		return errors.Wrapf(err, "unit uuid %q", i.UUID)
	}
	for _, f := range []struct{ name, value string }{
		{"CustomID", i.CustomID},
		{"Model", i.Model},
		{"SolutionName", i.SolutionName},
		{"VATName", i.VATName},
		{"BranchName", i.BranchName},
		{"BranchIndustry", i.BranchIndustry},
		{"Location", i.Location.String()},
	} {
		if f.value == "" {
			return errors.Errorf("unit identity: %s is required", f.name)
		}
	}
	if len(i.VATNumber) != 15 || i.VATNumber[0] != '3' || i.VATNumber[14] != '3' {
		return errors.Errorf("unit identity: VAT number %q must have 15 digits starting and ending with 3", i.VATNumber)
	}
	return nil
}

func (l Location) String() string {
	switch {
	case l.Street != "" && l.City != "":
		return l.Street + ", " + l.City
	case l.City != "":
		return l.City
	default:
		return l.Street
	}
}

// CSRTemplate describes the unit in the certificate signing request.
func (i Identity) CSRTemplate(templateName string) keys.CSRTemplate {
	return keys.CSRTemplate{
		CommonName:             i.CustomID,
		SerialNumber:           keys.UnitSerialNumber(i.SolutionName, i.Model, i.UUID),
		OrganizationIdentifier: i.VATNumber,
		OrganizationUnit:       i.BranchName,
		Organization:           i.VATName,
		Country:                "SA",
		InvoiceType:            keys.DefaultInvoiceType,
		Location:               i.Location.String(),
		Industry:               i.BranchIndustry,
		TemplateName:           templateName,
	}
}

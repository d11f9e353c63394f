package egs

import (
	"encoding/json"
	"os"

	"github.com/go-faster/errors"

	"github.com/alapierre/go-zatca-client/zatca"
	"github.com/alapierre/go-zatca-client/zatca/keys"
)

// Snapshot is the persisted form of a unit. It contains the private key and the
// certificate secrets.
type Snapshot struct {
	Identity    Identity          `json:"identity"`
	Environment zatca.Environment `json:"environment"`
	State       State             `json:"state"`
	PrivateKey  string            `json:"privateKey,omitempty"`
	CSR         string            `json:"csr,omitempty"`
	Compliance  *Certificate      `json:"compliance,omitempty"`
	Production  *Certificate      `json:"production,omitempty"`
}

type Certificate struct {
	Certificate string `json:"certificate"`
	Secret      string `json:"secret"`
	RequestID   string `json:"requestId"`
}

func toCertificate(r *zatca.CertificateRecord) *Certificate {
	if r == nil {
		return nil
	}
	return &Certificate{Certificate: r.Certificate, Secret: r.Secret, RequestID: r.RequestID}
}

func (c *Certificate) record() *zatca.CertificateRecord {
	if c == nil {
		return nil
	}
	return &zatca.CertificateRecord{Certificate: c.Certificate, Secret: c.Secret, RequestID: c.RequestID}
}

func (u *Unit) Snapshot() (*Snapshot, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := &Snapshot{
		Identity:    u.identity,
		Environment: u.env,
		State:       u.state,
		CSR:         string(u.csr),
		Compliance:  toCertificate(u.compliance),
		Production:  toCertificate(u.production),
	}
	if u.key != nil {
		pemBytes, err := u.key.MarshalPEM()
		if err != nil {
			return nil, err
		}
		s.PrivateKey = string(pemBytes)
	}
	return s, nil
}

// Restore rebuilds a unit from a snapshot. The chain store is not part of the snapshot
// and should be passed with WithChainStore.
func Restore(s *Snapshot, clients ClientFactory, opts ...Option) (*Unit, error) {
	u, err := New(s.Identity, s.Environment, clients, opts...)
	if err != nil {
		return nil, err
	}

	if s.State >= KeysGenerated {
		if s.PrivateKey == "" || s.CSR == "" {
			return nil, errors.Errorf("snapshot in state %s has no key material", s.State)
		}
		key, err := keys.ParsePrivateKeyPEM([]byte(s.PrivateKey))
		if err != nil {
			return nil, errors.Wrap(err, "snapshot private key")
		}
		req, err := keys.ParseCSR([]byte(s.CSR))
		if err != nil {
			return nil, errors.Wrap(err, "snapshot csr")
		}
		if !req.PublicKey.IsEqual(key.PublicKey()) {
			return nil, errors.New("snapshot csr does not match the private key")
		}
		u.key, u.csr = key, []byte(s.CSR)
	}
	if s.State >= ComplianceCertIssued && s.Compliance == nil {
		return nil, errors.Errorf("snapshot in state %s has no compliance certificate", s.State)
	}
	if s.State >= ProductionCertIssued && s.Production == nil {
		return nil, errors.Errorf("snapshot in state %s has no production certificate", s.State)
	}

	u.compliance = s.Compliance.record()
	u.production = s.Production.record()
	u.state = s.State
	return u, nil
}

// SaveSnapshot writes s as JSON readable by the owner only.
func SaveSnapshot(path string, s *Snapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode unit snapshot")
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return errors.Wrap(err, "write unit snapshot")
	}
	return nil
}

func LoadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read unit snapshot")
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "decode unit snapshot")
	}
	return &s, nil
}

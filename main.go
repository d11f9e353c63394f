package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/alapierre/go-zatca-client/png"
	"github.com/alapierre/go-zatca-client/zatca"
	"github.com/alapierre/go-zatca-client/zatca/config"
	"github.com/alapierre/go-zatca-client/zatca/egs"
	"github.com/alapierre/go-zatca-client/zatca/invoice"
	"github.com/alapierre/go-zatca-client/zatca/signer"
	"github.com/alapierre/go-zatca-client/zatca/util"
)

const usage = `usage: zatca <command> [flags]

commands:
  onboard     --identity unit.json   generate keys and request the compliance certificate
  sign        --in invoice.xml --out signed.xml [--qr qr.png]
  check       --in signed.xml        submit a signed sample to the compliance check
  production                         exchange the compliance certificate for a production one
  report      --in signed.xml        report a simplified invoice
  clear       --in signed.xml [--out cleared.xml]   clear a standard invoice

settings come from ZATCA_* variables, zatca.yaml or .env (see zatca/config)`

func main() {
	util.ConfigureLogging()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}

	ctx := zatca.ContextWithLanguage(context.Background(), cfg.Language)
	if err := run(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		logrus.WithError(err).Fatal(os.Args[1], " failed")
	}
}

var commands = map[string]bool{
	"onboard": true, "sign": true, "check": true, "production": true, "report": true, "clear": true,
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	if !commands[cmd] {
		return errors.Errorf("unknown command %q\n%s", cmd, usage)
	}

	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	identityFile := fs.String("identity", util.GetEnvOrDefault("ZATCA_IDENTITY_FILE", "identity.json"), "unit identity JSON")
	in := fs.String("in", "", "input XML")
	out := fs.String("out", "", "output XML")
	qrFile := fs.String("qr", "", "write the invoice QR code as PNG")
	otp := fs.String("otp", cfg.OTP, "one-time password from the taxpayer portal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	clients := egs.NewClientFactory(cfg.Environment, cfg.HTTPClient(), cfg.ClientOptions()...)

	if cmd == "onboard" {
		return onboard(ctx, cfg, clients, *identityFile, *otp)
	}

	unit, closeStore, err := loadUnit(ctx, cfg, clients)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logrus.WithError(err).Warn("close chain store")
		}
	}()

	switch cmd {
	case "sign":
		return sign(ctx, unit, *in, *out, *qrFile)
	case "check":
		return submit(ctx, *in, "", unit.CheckCompliance)
	case "production":
		rec, err := unit.IssueProductionCertificate(ctx, "")
		if err != nil {
			return err
		}
		logrus.WithField("requestID", rec.RequestID).Info("production certificate issued")
		return saveUnit(cfg, unit)
	case "report":
		return submit(ctx, *in, "", unit.ReportInvoice)
	default: // clear
		return submit(ctx, *in, *out, unit.ClearInvoice)
	}
}

func onboard(ctx context.Context, cfg *config.Config, clients egs.ClientFactory, identityFile, otp string) error {
	if otp == "" {
		return errors.New("an OTP is required, set ZATCA_OTP or --otp")
	}
	b, err := os.ReadFile(identityFile)
	if err != nil {
		return errors.Wrap(err, "read identity")
	}
	var id egs.Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return errors.Wrap(err, "decode identity")
	}
	if id, err = egs.NewIdentity(id); err != nil {
		return err
	}

	unit, err := egs.New(id, cfg.Environment, clients)
	if err != nil {
		return err
	}
	if err := unit.GenerateKeys(); err != nil {
		return err
	}
	rec, err := unit.IssueComplianceCertificate(ctx, otp)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"unit":      id.UUID,
		"requestID": rec.RequestID,
	}).Info("compliance certificate issued")
	return saveUnit(cfg, unit)
}

func loadUnit(ctx context.Context, cfg *config.Config, clients egs.ClientFactory) (*egs.Unit, func() error, error) {
	s, err := egs.LoadSnapshot(cfg.UnitFile)
	if err != nil {
		return nil, nil, err
	}
	if s.Environment != cfg.Environment {
		return nil, nil, errors.Errorf("unit %s was onboarded in %s, configured environment is %s", s.Identity.UUID, s.Environment, cfg.Environment)
	}
	store, closeStore, err := cfg.OpenChainStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	unit, err := egs.Restore(s, clients, egs.WithChainStore(store))
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return unit, closeStore, nil
}

func saveUnit(cfg *config.Config, unit *egs.Unit) error {
	s, err := unit.Snapshot()
	if err != nil {
		return err
	}
	return egs.SaveSnapshot(cfg.UnitFile, s)
}

func sign(ctx context.Context, unit *egs.Unit, in, out, qrFile string) error {
	if in == "" || out == "" {
		return errors.New("--in and --out are required")
	}
	b, err := os.ReadFile(in)
	if err != nil {
		return errors.Wrap(err, "read invoice")
	}
	doc, err := invoice.Parse(b)
	if err != nil {
		return err
	}

	signed, err := unit.SignInvoice(ctx, doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, signed.XML, 0644); err != nil {
		return errors.Wrap(err, "write signed invoice")
	}
	if qrFile != "" {
		if err := png.WriteInvoiceQR(qrFile, signed.QR, 0); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"invoice": doc.Header.SerialNumber,
		"hash":    signed.Hash,
	}).Info("invoice signed")
	return nil
}

type submitFunc func(context.Context, *signer.SignedInvoice) (*zatca.SubmissionResult, error)

// submit sends a signed invoice and writes the cleared invoice to out when one is returned.
func submit(ctx context.Context, in, out string, fn submitFunc) error {
	if in == "" {
		return errors.New("--in is required")
	}
	b, err := os.ReadFile(in)
	if err != nil {
		return errors.Wrap(err, "read signed invoice")
	}
	hash, err := invoice.HashBytes(b)
	if err != nil {
		return err
	}

	res, err := fn(ctx, &signer.SignedInvoice{XML: b, Hash: hash})
	if res == nil {
		return err
	}
	printResult(res)
	if out != "" && len(res.ClearedInvoice) > 0 {
		if werr := os.WriteFile(out, res.ClearedInvoice, 0644); werr != nil {
			return errors.Wrap(werr, "write cleared invoice")
		}
	}
	return err
}

func printResult(res *zatca.SubmissionResult) {
	log := logrus.WithField("status", res.Validation.Status)
	if res.ReportingStatus != "" {
		log = log.WithField("reporting", res.ReportingStatus)
	}
	if res.ClearanceStatus != "" {
		log = log.WithField("clearance", res.ClearanceStatus)
	}
	if res.Validation.HasWarnings() {
		for _, m := range res.Validation.Warnings {
			log.Warnf("%s: %s", m.Code, m.Message)
		}
	}
	if res.Validation.HasErrors() {
		for _, m := range res.Validation.Errors {
			log.Errorf("%s: %s", m.Code, m.Message)
		}
		return
	}
	log.Info(strings.ToLower(res.Validation.Status))
}

package zatca

import (
	"encoding/base64"

	"github.com/alapierre/go-zatca-client/zatca/keys"
)

// AuthorizationHeader returns the Basic credential of a certificate and its secret.
// The PEM decoration is stripped first, so a PEM certificate and its bare body give
// the same header.
func AuthorizationHeader(certificate, secret string) string {
	user := base64.StdEncoding.EncodeToString([]byte(keys.StripPEM(certificate)))
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+secret))
}

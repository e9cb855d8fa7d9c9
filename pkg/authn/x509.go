// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
)

// CertificateThumbprint returns the SHA-256 thumbprint of the certificate,
// hex encoded. This is the value registered as the client's
// x509_thumbprint secret record.
func CertificateThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Package providers builds the OAuth token endpoint used to exchange
// authorization codes and refresh tokens. The bank specific gateway lives in
// the sparebank1 subpackage.
package providers

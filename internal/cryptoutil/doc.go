// Package cryptoutil holds the digest helpers used to pin and verify asset
// bundles: streaming SHA-256 and constant-time comparison of hex digests.
package cryptoutil

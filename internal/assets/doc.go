// Package assets resolves a local directory holding an extracted Shinylive
// web-assets bundle.
//
// Bundles live in a versioned cache directory
// (<cache>/shinylive-<version>). A missing bundle is fetched as a .tar.gz
// from HTTPS or an S3 mirror, optionally verified against a pinned SHA-256
// (given inline or read from SSM), extracted into a staging directory and
// renamed into place so concurrent builds never observe a half-written
// bundle.
package assets

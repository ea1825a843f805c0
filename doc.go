// Package ewf reads Expert Witness Format forensic disk images (E01, L01,
// Ex01, Lx01): discovering a multi-segment image's on-disk layout,
// reconstructing the original media stream from its compressed chunk
// table, and serving reads through a bounded file-descriptor pool and
// chunk cache. It is read-only — no segment is ever written to or
// mutated.
//
// Three operations cover the package's public surface: Info reports
// structural metadata, Verify computes hashes over the reconstructed
// media, and Extract streams the media to a destination.
package ewf

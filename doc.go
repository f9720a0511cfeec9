// Package ctrcrypt allows to authenticate and decrypt the container formats used by the Nintendo
// 3DS, also known as CTR.
//
// Supported containers are NCSD (CCI card images), NCCH (CXI and CFA partitions) with their
// extended header, ExeFS and RomFS, CIA title packages with their certificates, ticket and TMD,
// and FIRM firmware images.
//
// Every container follows the same life cycle: a parser is created with NewNCSD, NewNCCH,
// NewCIA or NewFirm, then ReadHeader, Verify and Extract can be called in any order. Later stages
// implicitly run the earlier ones, but never read a header twice.
//
// Keys are supplied in cleartext through a keyset.Keyset. Missing keys are not fatal: decryption
// proceeds with a zero key, and the resulting hash and signature statuses report the problem.
//
// This package comes with a CLI. You can install it like this:
//   go install github.com/connesc/ctrcrypt/cmd/ctrtool@latest
package ctrcrypt

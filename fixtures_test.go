package ctrcrypt

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"testing"
	"unicode/utf16"

	"github.com/connesc/ctrcrypt/keyset"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var (
	testRSAOnce sync.Once
	testRSAKeys [3]*rsa.PrivateKey
)

// testRSAKey returns one of a few 2048-bit keys, generated once per test binary.
func testRSAKey(t *testing.T, index int) *rsa.PrivateKey {
	testRSAOnce.Do(func() {
		for i := range testRSAKeys {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testRSAKeys[i] = key
		}
	})
	return testRSAKeys[index]
}

func sign(t *testing.T, key *rsa.PrivateKey, message []byte) []byte {
	digest := sha256.Sum256(message)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return signature
}

func modulus(key *rsa.PrivateKey) []byte {
	return key.N.FillBytes(make([]byte, 0x100))
}

func testKey128(t *testing.T, seed byte) keyset.Key128 {
	b := make([]byte, 16)
	for i := range b {
		b[i] = seed + byte(i)
	}
	key, err := keyset.NewKey128(b)
	require.NoError(t, err)
	return key
}

func testPayload(n int, seed byte) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i*13) + seed
	}
	return payload
}

func testSettings(keys *keyset.Keyset) (*Settings, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return &Settings{Keys: keys, Logger: logger}, hook
}

func sha256Of(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func alignBytes(data []byte, alignment int) []byte {
	if rem := len(data) % alignment; rem != 0 {
		data = append(data, make([]byte, alignment-rem)...)
	}
	return data
}

func utf16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

// buildExeFS lays out the given sections, each one aligned to 0x200 bytes.
func buildExeFS(names []string, sections [][]byte) []byte {
	header := make([]byte, ExeFSHeaderSize)
	var body []byte
	for i, name := range names {
		entry := header[i*0x10:]
		copy(entry, name)
		binary.LittleEndian.PutUint32(entry[0x8:], uint32(len(body)))
		binary.LittleEndian.PutUint32(entry[0xc:], uint32(len(sections[i])))
		copy(header[0x100+0x20*(7-i):], sha256Of(sections[i]))
		body = alignBytes(append(body, sections[i]...), 0x200)
	}
	return append(header, body...)
}

// romfsTestFiles is the content of the RomFS built by buildRomFS: /hello.txt and /sub/a.bin.
var romfsTestFiles = map[string][]byte{
	"hello.txt": []byte("hello, world\n"),
	"sub/a.bin": testPayload(0x345, 9),
}

func putName(entry []byte, nameSizeOffset int, name string) []byte {
	encoded := utf16LE(name)
	binary.LittleEndian.PutUint32(entry[nameSizeOffset:], uint32(len(encoded)))
	return alignBytes(append(entry, encoded...), 4)
}

// buildRomFSLevel3 builds the file tree of the RomFS, with the info header first.
func buildRomFSLevel3() []byte {
	const none = romfsNone

	root := make([]byte, romfsDirEntrySize)
	binary.LittleEndian.PutUint32(root[0x4:], none)
	binary.LittleEndian.PutUint32(root[0x8:], romfsDirEntrySize)
	binary.LittleEndian.PutUint32(root[0xc:], 0)
	binary.LittleEndian.PutUint32(root[0x10:], none)
	root = putName(root, 0x14, "")

	hello := romfsTestFiles["hello.txt"]
	a := romfsTestFiles["sub/a.bin"]

	helloEntry := make([]byte, romfsFileEntrySize)
	binary.LittleEndian.PutUint32(helloEntry[0x4:], none)
	binary.LittleEndian.PutUint64(helloEntry[0x8:], 0)
	binary.LittleEndian.PutUint64(helloEntry[0x10:], uint64(len(hello)))
	binary.LittleEndian.PutUint32(helloEntry[0x18:], none)
	helloEntry = putName(helloEntry, 0x1c, "hello.txt")

	aOffset := len(alignBytes(append([]byte(nil), hello...), 16))
	aEntry := make([]byte, romfsFileEntrySize)
	binary.LittleEndian.PutUint32(aEntry, romfsDirEntrySize)
	binary.LittleEndian.PutUint32(aEntry[0x4:], none)
	binary.LittleEndian.PutUint64(aEntry[0x8:], uint64(aOffset))
	binary.LittleEndian.PutUint64(aEntry[0x10:], uint64(len(a)))
	binary.LittleEndian.PutUint32(aEntry[0x18:], none)
	aEntry = putName(aEntry, 0x1c, "a.bin")

	sub := make([]byte, romfsDirEntrySize)
	binary.LittleEndian.PutUint32(sub[0x4:], none)
	binary.LittleEndian.PutUint32(sub[0x8:], none)
	binary.LittleEndian.PutUint32(sub[0xc:], uint32(len(helloEntry)))
	binary.LittleEndian.PutUint32(sub[0x10:], none)
	sub = putName(sub, 0x14, "sub")

	dirMeta := append(root, sub...)
	fileMeta := append(helloEntry, aEntry...)
	hashTable := []byte{0xff, 0xff, 0xff, 0xff}

	header := make([]byte, romfsInfoHeaderSize)
	binary.LittleEndian.PutUint32(header, romfsInfoHeaderSize)
	offset := uint32(romfsInfoHeaderSize)
	for i, section := range [][]byte{hashTable, dirMeta, hashTable, fileMeta} {
		binary.LittleEndian.PutUint32(header[0x4+0x8*i:], offset)
		binary.LittleEndian.PutUint32(header[0x8+0x8*i:], uint32(len(section)))
		offset += uint32(len(section))
	}
	dataOffset := (offset + 15) &^ 15
	binary.LittleEndian.PutUint32(header[0x24:], dataOffset)

	level3 := append(header, hashTable...)
	level3 = append(level3, dirMeta...)
	level3 = append(level3, hashTable...)
	level3 = append(level3, fileMeta...)
	level3 = alignBytes(level3, 16)
	level3 = append(level3, alignBytes(append([]byte(nil), hello...), 16)...)
	return append(level3, a...)
}

func hashBlocks(data []byte, blockSize int) []byte {
	data = alignBytes(append([]byte(nil), data...), blockSize)
	var hashes []byte
	for i := 0; i < len(data); i += blockSize {
		hashes = append(hashes, sha256Of(data[i:i+blockSize])...)
	}
	return hashes
}

// buildRomFS wraps the file tree into an IVFC hash tree with 0x200-byte blocks.
func buildRomFS() []byte {
	const blockSize = 0x200

	level3 := buildRomFSLevel3()
	level2 := hashBlocks(level3, blockSize)
	level1 := hashBlocks(level2, blockSize)
	master := hashBlocks(level1, blockSize)

	header := make([]byte, ivfcHeaderSize)
	copy(header, "IVFC")
	binary.LittleEndian.PutUint32(header[0x4:], ivfcRomFSID)
	binary.LittleEndian.PutUint32(header[0x8:], uint32(len(master)))

	logical := uint64(0)
	for i, level := range [][]byte{level1, level2, level3} {
		raw := header[0xc+0x18*i:]
		binary.LittleEndian.PutUint64(raw, logical)
		binary.LittleEndian.PutUint64(raw[0x8:], uint64(len(level)))
		binary.LittleEndian.PutUint32(raw[0x10:], 9)
		logical += uint64(len(alignBytes(append([]byte(nil), level...), blockSize)))
	}

	romfs := append(header, master...)
	romfs = alignBytes(romfs, blockSize)
	romfs = append(romfs, alignBytes(level3, blockSize)...)
	romfs = append(romfs, alignBytes(level1, blockSize)...)
	return append(romfs, alignBytes(level2, blockSize)...)
}

// ncchFixture describes an NCCH built in memory. Regions are encrypted when key is valid.
type ncchFixture struct {
	version     uint16
	partitionID uint64
	programID   uint64
	flags       [8]byte
	exheader    bool
	exefs       []byte
	romfs       []byte
	key         keyset.Key128
	signer      *rsa.PrivateKey
	descSigner  *rsa.PrivateKey
}

const testUnitSize = 0x200

func (f ncchFixture) encrypt(t *testing.T, data []byte, typ byte, regionOffset int) []byte {
	if !f.key.Valid() {
		return data
	}

	iv := make([]byte, 16)
	if f.version == 1 {
		binary.LittleEndian.PutUint64(iv, f.partitionID)
		binary.BigEndian.PutUint32(iv[12:], uint32(regionOffset/16))
	} else {
		binary.BigEndian.PutUint64(iv, f.partitionID)
		iv[8] = typ
	}

	block, err := aes.NewCipher(f.key.Bytes())
	require.NoError(t, err)
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out
}

// exheaderPlain returns the plaintext extended header and access descriptor.
func (f ncchFixture) exheaderPlain(t *testing.T) []byte {
	exheader := make([]byte, ExHeaderSize)
	copy(exheader, "TESTAPP")
	binary.LittleEndian.PutUint32(exheader[0x10:], 0x100000)
	binary.LittleEndian.PutUint64(exheader[0x40:], 0x0004013000001002)
	binary.LittleEndian.PutUint64(exheader[exheaderProgramIDOffset:], f.programID)
	if f.signer != nil {
		copy(exheader[accessDescKeyOffset:], modulus(f.signer))
	}
	if f.descSigner != nil {
		copy(exheader[accessDescOffset:], sign(t, f.descSigner, exheader[accessDescKeyOffset:ExHeaderSize]))
	}
	return exheader
}

func (f ncchFixture) build(t *testing.T) []byte {
	header := make([]byte, ncchHeaderSize)
	copy(header[0x100:], "NCCH")
	binary.LittleEndian.PutUint64(header[0x108:], f.partitionID)
	copy(header[0x110:], "01")
	binary.LittleEndian.PutUint16(header[0x112:], f.version)
	binary.LittleEndian.PutUint64(header[0x118:], f.programID)
	copy(header[0x150:], "CTR-P-TEST")
	copy(header[0x188:], f.flags[:])

	image := make([]byte, ncchHeaderSize)

	if f.exheader {
		plain := f.exheaderPlain(t)
		copy(header[0x160:], sha256Of(plain[:0x400]))
		binary.LittleEndian.PutUint32(header[0x180:], 0x400)
		image = append(image, f.encrypt(t, plain, 1, ncchHeaderSize)...)
	}

	units := func(n int) uint32 {
		return uint32(n / testUnitSize)
	}

	if f.exefs != nil {
		exefs := alignBytes(append([]byte(nil), f.exefs...), testUnitSize)
		offset := len(image)
		binary.LittleEndian.PutUint32(header[0x1a0:], units(offset))
		binary.LittleEndian.PutUint32(header[0x1a4:], units(len(exefs)))
		binary.LittleEndian.PutUint32(header[0x1a8:], 1)
		copy(header[0x1c0:], sha256Of(exefs[:testUnitSize]))
		image = append(image, f.encrypt(t, exefs, 2, offset)...)
	}

	if f.romfs != nil {
		romfs := alignBytes(append([]byte(nil), f.romfs...), testUnitSize)
		offset := len(image)
		binary.LittleEndian.PutUint32(header[0x1b0:], units(offset))
		binary.LittleEndian.PutUint32(header[0x1b4:], units(len(romfs)))
		binary.LittleEndian.PutUint32(header[0x1b8:], 1)
		copy(header[0x1e0:], sha256Of(romfs[:testUnitSize]))
		image = append(image, f.encrypt(t, romfs, 3, offset)...)
	}

	binary.LittleEndian.PutUint32(header[0x104:], units(len(image)))
	if f.signer != nil {
		copy(header, sign(t, f.signer, header[0x100:0x200]))
	}

	copy(image, header)
	return image
}

// buildCertificate returns a certificate holding the public part of key, signed by signer.
func buildCertificate(t *testing.T, issuer, name string, key, signer *rsa.PrivateKey) []byte {
	body := make([]byte, 0x88+0x138)
	copy(body, issuer)
	binary.BigEndian.PutUint32(body[0x40:], KeyRSA2048)
	copy(body[0x44:], name)
	copy(body[0x88:], modulus(key))
	binary.BigEndian.PutUint32(body[0x188:], uint32(key.E))

	cert := make([]byte, 0x140)
	binary.BigEndian.PutUint32(cert, SigRSA2048SHA256)
	copy(cert[4:], sign(t, signer, body))
	return append(cert, body...)
}

const (
	testTitleID  = 0x0004000000123400
	testCAIssuer = "Root-CA00000003"
)

// buildCertChain returns a chain made of a CA certificate, a ticket signer and a TMD signer.
func buildCertChain(t *testing.T) []byte {
	ca := testRSAKey(t, 0)
	chain := buildCertificate(t, "Root", "CA00000003", ca, testRSAKey(t, 2))
	chain = append(chain, buildCertificate(t, testCAIssuer, "XS0000000c", testRSAKey(t, 1), ca)...)
	return append(chain, buildCertificate(t, testCAIssuer, "CP0000000b", testRSAKey(t, 2), ca)...)
}

func buildTicket(t *testing.T, commonKey, titleKey keyset.Key128) []byte {
	body := make([]byte, ticketBodySize)
	copy(body, testCAIssuer+"-XS0000000c")
	body[0x7c] = 1
	binary.BigEndian.PutUint64(body[0x90:], 0x0123456789abcdef)
	binary.BigEndian.PutUint32(body[0x98:], 0)
	binary.BigEndian.PutUint64(body[0x9c:], testTitleID)
	binary.BigEndian.PutUint16(body[0xa6:], 3)

	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv, testTitleID)
	block, err := aes.NewCipher(commonKey.Bytes())
	require.NoError(t, err)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body[0x7f:0x8f], titleKey.Bytes())

	ticket := make([]byte, 0x140)
	binary.BigEndian.PutUint32(ticket, SigRSA2048SHA256)
	copy(ticket[4:], sign(t, testRSAKey(t, 1), body))
	return append(ticket, body...)
}

type tmdFixtureContent struct {
	id        uint32
	index     uint16
	typ       uint16
	plaintext []byte
}

func buildTMD(t *testing.T, contents []tmdFixtureContent) []byte {
	var chunks []byte
	for _, c := range contents {
		record := make([]byte, tmdChunkSize)
		binary.BigEndian.PutUint32(record, c.id)
		binary.BigEndian.PutUint16(record[0x4:], c.index)
		binary.BigEndian.PutUint16(record[0x6:], c.typ)
		binary.BigEndian.PutUint64(record[0x8:], uint64(len(c.plaintext)))
		copy(record[0x10:], sha256Of(c.plaintext))
		chunks = append(chunks, record...)
	}

	body := make([]byte, tmdHeaderSize+tmdInfoRecordSize*tmdInfoCount)
	copy(body, testCAIssuer+"-CP0000000b")
	binary.BigEndian.PutUint64(body[0x4c:], testTitleID)
	binary.BigEndian.PutUint16(body[0x9c:], 0x10)
	binary.BigEndian.PutUint16(body[0x9e:], uint16(len(contents)))

	info := body[tmdHeaderSize:]
	binary.BigEndian.PutUint16(info, 0)
	binary.BigEndian.PutUint16(info[0x2:], uint16(len(contents)))
	copy(info[0x4:], sha256Of(chunks))
	copy(body[0xa4:], sha256Of(info))

	tmd := make([]byte, 0x140)
	binary.BigEndian.PutUint32(tmd, SigRSA2048SHA256)
	copy(tmd[4:], sign(t, testRSAKey(t, 2), body[:tmdHeaderSize]))
	tmd = append(tmd, body...)
	return append(tmd, chunks...)
}

// buildCIA assembles a CIA whose encrypted contents use the given title key.
func buildCIA(t *testing.T, commonKey, titleKey keyset.Key128, contents []tmdFixtureContent, meta []byte) []byte {
	certs := buildCertChain(t)
	ticket := buildTicket(t, commonKey, titleKey)
	tmd := buildTMD(t, contents)

	var body []byte
	for _, c := range contents {
		data := append([]byte(nil), c.plaintext...)
		if c.typ&ContentEncrypted != 0 {
			iv := make([]byte, 16)
			binary.BigEndian.PutUint16(iv, c.index)
			aligned := len(data) - len(data)%16
			block, err := aes.NewCipher(titleKey.Bytes())
			require.NoError(t, err)
			cipher.NewCBCEncrypter(block, iv).CryptBlocks(data[:aligned], data[:aligned])
		}
		body = append(body, data...)
	}

	header := make([]byte, ciaHeaderSize)
	binary.LittleEndian.PutUint32(header, ciaHeaderSize)
	binary.LittleEndian.PutUint32(header[0x8:], uint32(len(certs)))
	binary.LittleEndian.PutUint32(header[0xc:], uint32(len(ticket)))
	binary.LittleEndian.PutUint32(header[0x10:], uint32(len(tmd)))
	binary.LittleEndian.PutUint32(header[0x14:], uint32(len(meta)))
	binary.LittleEndian.PutUint64(header[0x18:], uint64(len(body)))
	for _, c := range contents {
		header[0x20+c.index/8] |= 0x80 >> (c.index % 8)
	}

	cia := alignBytes(header, ciaAlignment)
	for _, blob := range [][]byte{certs, ticket, tmd, body, meta} {
		cia = alignBytes(append(cia, blob...), ciaAlignment)
	}
	return cia
}

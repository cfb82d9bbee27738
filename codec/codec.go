/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Apr  2 10:12:44 2018 mstenber
 * Last modified: Tue Apr  3 09:33:27 2018 mstenber
 * Edit time:     66 min
 *
 */

// codec library is responsible for transforming data + additionalData
// to different kind of data. This means in practise either
// encrypting/decrypting, or compressing/uncompressing on case-by-case
// basis.
//
// CodecChain makes it possible to combine multiple Codecs that do the
// particular sub-EncodeBytes/DecodeBytes steps.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"log"

	sha256 "github.com/minio/sha256-simd"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Codec
//
// Single transformation of byte slices.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

// EncryptingCodec
//
// AES GCM based encrypting/decrypting (+authenticating) Codec. The
// encoded form is a one-byte nonce length, the nonce, and the sealed
// data.
type EncryptingCodec struct {
	gcm cipher.AEAD
	// Main key
	mk []byte
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	self.mk = pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(self.mk)
	if err != nil {
		log.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Fatal(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < 1 {
		return nil, errors.New("truncated encrypted data")
	}
	nonceSize := int(data[0])
	if len(data) < 1+nonceSize {
		return nil, errors.New("truncated nonce")
	}
	nonce := data[1 : 1+nonceSize]
	ret, err = self.gcm.Open(nil, nonce, data[1+nonceSize:], additionalData)
	return
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ret = make([]byte, 1+len(nonce), 1+len(nonce)+len(data)+self.gcm.Overhead())
	ret[0] = byte(len(nonce))
	copy(ret[1:], nonce)
	ret = self.gcm.Seal(ret, nonce, data, additionalData)
	return
}

// CompressingCodec
//
// On-the-fly compressing Codec. If the result does not improve, the
// result is marked to be plaintext and passed as-is (at cost of 1
// byte).
type CompressingCodec struct {
	// maximumSize represents the largest decode we have been hit
	// with.  By default we always allocate target buffers of that
	// size when decoding and exponentially grow the # if we are too small.
	maximumSize int
}

const (
	compressionPlain = 0
	compressionLZ4   = 1
)

const smallestCompressionSize = 1024      // Reasonable initial #
const largestCompressionSize = 1024000000 // Gigabyte at once is madness

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < 1 {
		return nil, errors.New("truncated compressed data")
	}
	switch data[0] {
	case compressionPlain:
		ret = data[1:]
	case compressionLZ4:
		maximumSize := self.maximumSize
		if maximumSize < smallestCompressionSize {
			maximumSize = smallestCompressionSize
		}
		ret = make([]byte, maximumSize)
		var n int
		n, err = lz4.UncompressBlock(data[1:], ret, 0)
		if err == lz4.ErrShortBuffer {
			self.maximumSize = maximumSize * 2
			if self.maximumSize > largestCompressionSize {
				log.Panic(err)
			}
			return self.DecodeBytes(data, additionalData)
		}
		ret = ret[:n]
	default:
		return nil, errors.Errorf("unknown compression type %d", data[0])
	}
	return
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	rd := make([]byte, len(data))
	n, err := lz4.CompressBlock(data, rd, 0)
	if err != nil {
		return
	}
	ct := byte(compressionLZ4)
	if n == 0 || n >= len(data) {
		ct = compressionPlain
		rd = data
	} else {
		rd = rd[:n]
	}
	ret = make([]byte, 1+len(rd))
	ret[0] = ct
	copy(ret[1:], rd)
	return
}

type CodecChain struct {
	codecs, reverseCodecs []Codec
}

// Init method initializes the codec chain.
//
// codecs are given in decryption order, so e.g.
// encrypting one should be given before compressing one.
func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	// Reverse the codec slice for decryption purposes
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

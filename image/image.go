/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Apr  3 10:41:02 2018 mstenber
 * Last modified: Wed Apr  4 08:58:13 2018 mstenber
 * Edit time:     49 min
 *
 */

// image serializes a whole device to a byte stream and back. The
// payload (every page, in order) goes through an optional codec
// chain, and a digest over the plaintext payload doubles as the
// authenticated additional data for the codec.
package image

import (
	"encoding/binary"
	"io"
	"io/ioutil"

	sha256 "github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/fingon/go-tefs/codec"
	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/mlog"
)

var magic = []byte("TEFSIMG1")

// header: magic(8) + page size(4) + page count(4) + payload
// sha256(32) + encoded payload length(8), all little-endian.
const headerSize = 8 + 4 + 4 + 32 + 8

// Dump writes the device content to w. codec may be nil for a plain
// image.
func Dump(dev device.Device, w io.Writer, c codec.Codec) error {
	pageSize := dev.PageSize()
	pageCount := dev.PageCount()
	mlog.Printf2("image/image", "Dump pages:%d", pageCount)
	payload := make([]byte, int(pageCount)*pageSize)
	for page := uint32(0); page < pageCount; page++ {
		ofs := int(page) * pageSize
		if err := dev.Read(page, payload[ofs:ofs+pageSize], 0); err != nil {
			return err
		}
	}
	digest := sha256.Sum256(payload)
	encoded := payload
	if c != nil {
		var err error
		encoded, err = c.EncodeBytes(payload, digest[:])
		if err != nil {
			return err
		}
	}
	header := make([]byte, headerSize)
	copy(header, magic)
	binary.LittleEndian.PutUint32(header[8:], uint32(pageSize))
	binary.LittleEndian.PutUint32(header[12:], pageCount)
	copy(header[16:], digest[:])
	binary.LittleEndian.PutUint64(header[48:], uint64(len(encoded)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(encoded)
	return err
}

// Restore reads an image produced by Dump from r and writes it to
// the device. The digest is verified before any page is written.
func Restore(r io.Reader, dev device.Device, c codec.Codec) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return errors.Wrap(err, "image header")
	}
	for i := range magic {
		if header[i] != magic[i] {
			return errors.New("not a device image")
		}
	}
	pageSize := int(binary.LittleEndian.Uint32(header[8:]))
	pageCount := binary.LittleEndian.Uint32(header[12:])
	if pageSize != dev.PageSize() || pageCount > dev.PageCount() {
		return errors.Errorf("image geometry %d x %d does not fit device",
			pageCount, pageSize)
	}
	var digest [sha256.Size]byte
	copy(digest[:], header[16:])
	encodedLen := binary.LittleEndian.Uint64(header[48:])
	encoded, err := ioutil.ReadAll(io.LimitReader(r, int64(encodedLen)))
	if err != nil {
		return errors.Wrap(err, "image payload")
	}
	if uint64(len(encoded)) != encodedLen {
		return errors.New("truncated image payload")
	}
	payload := encoded
	if c != nil {
		payload, err = c.DecodeBytes(encoded, digest[:])
		if err != nil {
			return errors.Wrap(err, "decode payload")
		}
	}
	if len(payload) != int(pageCount)*pageSize {
		return errors.New("image payload size mismatch")
	}
	if sha256.Sum256(payload) != digest {
		return errors.New("image digest mismatch")
	}
	mlog.Printf2("image/image", "Restore pages:%d", pageCount)
	for page := uint32(0); page < pageCount; page++ {
		ofs := int(page) * pageSize
		if err := dev.Write(page, payload[ofs:ofs+pageSize], 0, true); err != nil {
			return err
		}
	}
	return dev.Flush()
}

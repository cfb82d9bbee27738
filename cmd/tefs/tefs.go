/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Apr  5 14:22:31 2018 mstenber
 * Last modified: Fri Apr  6 10:48:19 2018 mstenber
 * Edit time:     74 min
 *
 */

package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/fingon/go-tefs/codec"
	"github.com/fingon/go-tefs/device"
	"github.com/fingon/go-tefs/device/factory"
	"github.com/fingon/go-tefs/image"
	"github.com/fingon/go-tefs/stdio"
	"github.com/fingon/go-tefs/tefs"
)

var (
	backend  = flag.String("backend", "file", fmt.Sprintf("Backend to use (one of: %s)", strings.Join(factory.List(), ", ")))
	dir      = flag.String("dir", ".", "Directory the backend stores its state in")
	pages    = flag.Uint("pages", 62500, "Number of pages on the device")
	pagesize = flag.Int("pagesize", 512, "Page size in bytes")

	blocksize    = flag.Uint("blocksize", 8, "Block size in pages (format)")
	hashsize     = flag.Int("hashsize", 4, "Directory hash slot size, 2 or 4 (format)")
	metadatasize = flag.Int("metadatasize", 32, "Directory record size (format)")
	maxnamesize  = flag.Int("maxnamesize", 12, "Maximum file name length (format)")
	erase        = flag.Bool("erase", false, "Erase the whole device before formatting")

	password = flag.String("password", "", "Image encryption password (dump/restore)")
	salt     = flag.String("salt", "", "Image encryption salt (dump/restore)")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\nCommands:\n", os.Args[0])
	fmt.Fprint(os.Stderr, `  format                 initialize the device
  ls                     list files
  exists <name>          check whether a file exists
  put <host-file> <name> copy a host file onto the device
  get <name> <host-file> copy a file off the device
  rm <name>              remove a file
  dump <host-file>       archive the whole device to an image
  restore <host-file>    write an image back to the device

Options:
`)
	flag.PrintDefaults()
}

func imageCodec() codec.Codec {
	if *password != "" {
		return codec.CodecChain{}.Init(
			codec.EncryptingCodec{}.Init([]byte(*password), []byte(*salt), 4096),
			&codec.CompressingCodec{})
	}
	return codec.CodecChain{}.Init(&codec.CompressingCodec{})
}

func mount(dev device.Device) *tefs.FS {
	fs, err := tefs.Mount(dev)
	if err != nil {
		log.Fatal(err)
	}
	return fs
}

func needArgs(args []string, n int) {
	if len(args) < n+1 {
		usage()
		os.Exit(1)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	dev := factory.New(*backend, device.Config{
		Directory: *dir,
		PageSize:  *pagesize,
		PageCount: uint32(*pages)})
	defer dev.Close()
	switch args[0] {
	case "format":
		err := tefs.Format(dev, tefs.FormatConfig{
			NumberOfPages:   uint32(*pages),
			PageSize:        *pagesize,
			BlockSize:       uint32(*blocksize),
			HashSize:        *hashsize,
			MetadataSize:    *metadatasize,
			MaxFileNameSize: *maxnamesize,
			EraseFirst:      *erase})
		if err != nil {
			log.Fatal(err)
		}
	case "ls":
		files, err := mount(dev).List()
		if err != nil {
			log.Fatal(err)
		}
		for _, fi := range files {
			fmt.Printf("%10d %s\n", fi.Size, fi.Name)
		}
	case "exists":
		needArgs(args, 1)
		exists, err := mount(dev).Exists(args[1])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(exists)
		if !exists {
			os.Exit(1)
		}
	case "put":
		needArgs(args, 2)
		data, err := ioutil.ReadFile(args[1])
		if err != nil {
			log.Fatal(err)
		}
		f, err := stdio.Open(mount(dev), args[2], "w")
		if err != nil {
			log.Fatal(err)
		}
		if _, err = f.Write(data); err != nil {
			log.Fatal(err)
		}
		if err = f.Close(); err != nil {
			log.Fatal(err)
		}
	case "get":
		needArgs(args, 2)
		f, err := stdio.Open(mount(dev), args[1], "r")
		if err != nil {
			log.Fatal(err)
		}
		data := make([]byte, f.Size())
		if _, err = io.ReadFull(f, data); err != nil {
			log.Fatal(err)
		}
		if err = ioutil.WriteFile(args[2], data, 0644); err != nil {
			log.Fatal(err)
		}
	case "rm":
		needArgs(args, 1)
		if err := mount(dev).Remove(args[1]); err != nil {
			log.Fatal(err)
		}
	case "dump":
		needArgs(args, 1)
		w, err := os.Create(args[1])
		if err != nil {
			log.Fatal(err)
		}
		if err = image.Dump(dev, w, imageCodec()); err != nil {
			log.Fatal(err)
		}
		if err = w.Close(); err != nil {
			log.Fatal(err)
		}
	case "restore":
		needArgs(args, 1)
		r, err := os.Open(args[1])
		if err != nil {
			log.Fatal(err)
		}
		defer r.Close()
		if err = image.Restore(r, dev, imageCodec()); err != nil {
			log.Fatal(err)
		}
	default:
		usage()
		os.Exit(1)
	}
}

// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file is a modified version of net/hosts.go from the golang repo

// Package hostsfile reads static host entries merged into the zone.
package hostsfile

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/semihalev/zlog/v2"
)

// Entry is one address with the names given to it.
type Entry struct {
	IP    net.IP
	Names []string
}

func parseLiteralIP(addr string) net.IP {
	if i := strings.Index(addr, "%"); i >= 0 {
		// discard ipv6 zone
		addr = addr[0:i]
	}

	ip := net.ParseIP(addr)
	if v4 := ip.To4(); v4 != nil {
		return v4
	}

	return ip
}

// Parse reads hosts file formatted entries. Names are lowercased and kept
// as written, relative names stay relative.
func Parse(r io.Reader) []Entry {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if i := bytes.Index(line, []byte{'#'}); i >= 0 {
			// Discard comments.
			line = line[0:i]
		}
		f := bytes.Fields(line)
		if len(f) < 2 {
			continue
		}
		addr := parseLiteralIP(string(f[0]))
		if addr == nil {
			continue
		}

		entry := Entry{IP: addr, Names: make([]string, 0, len(f)-1)}
		for i := 1; i < len(f); i++ {
			entry.Names = append(entry.Names, strings.ToLower(string(f[i])))
		}

		entries = append(entries, entry)
	}

	return entries
}

// Hostsfile caches the entries of one file between reads.
type Hostsfile struct {
	mu sync.Mutex

	path    string
	entries []Entry

	// mtime and size detect changes between reads
	mtime time.Time
	size  int64
}

// New returns a hosts file reader, an empty path reads nothing.
func New(path string) *Hostsfile {
	return &Hostsfile{path: path}
}

// Path returns the file path.
func (h *Hostsfile) Path() string { return h.path }

// Entries returns the entries of the file, parsing it again only when
// its size or modification time changed. A file that can not be read
// yields the last entries parsed.
func (h *Hostsfile) Entries() []Entry {
	if h.path == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	file, err := os.Open(h.path)
	if err != nil {
		zlog.Warn("Hosts file open failed", "path", h.path, "error", err.Error())
		return h.entries
	}

	defer func() {
		err := file.Close()
		if err != nil {
			zlog.Warn("Hosts file close failed", "error", err.Error())
		}
	}()

	stat, err := file.Stat()
	if err == nil && h.mtime.Equal(stat.ModTime()) && h.size == stat.Size() {
		return h.entries
	}

	h.entries = Parse(file)
	zlog.Debug("Parsed hosts file into", "entries", len(h.entries))

	if stat != nil {
		h.mtime = stat.ModTime()
		h.size = stat.Size()
	}

	return h.entries
}

// Package doh serves DNS wire-format messages over HTTPS (RFC 8484).
package doh

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"

	"github.com/miekg/dns"
)

const (
	minMsgHeaderSize = 12
	maxMsgSize       = 65535
)

// HandleWireFormat answers GET ?dns= and POST application/dns-message
// requests with the message returned by handle.
func HandleWireFormat(handle func(*dns.Msg) *dns.Msg) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			buf []byte
			err error
		)

		switch r.Method {
		case http.MethodGet:
			buf, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
			if len(buf) == 0 || err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
		case http.MethodPost:
			if r.Header.Get("Content-Type") != "application/dns-message" {
				http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
				return
			}

			defer r.Body.Close()
			buf, err = io.ReadAll(io.LimitReader(r.Body, maxMsgSize+1))
			if err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if len(buf) > maxMsgSize {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		if len(buf) < minMsgHeaderSize {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		req := new(dns.Msg)
		if err := req.Unpack(buf); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		msg := handle(req)
		if msg == nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		packed, err := msg.Pack()
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/dns-message")
		if age, ok := maxAge(msg); ok {
			w.Header().Set("Cache-Control", "max-age="+strconv.FormatUint(uint64(age), 10))
		}

		_, _ = w.Write(packed)
	}
}

// maxAge is the smallest ttl of the answer and authority sections.
func maxAge(msg *dns.Msg) (uint32, bool) {
	var (
		age uint32
		ok  bool
	)

	for _, section := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range section {
			ttl := rr.Header().Ttl
			if !ok || ttl < age {
				age, ok = ttl, true
			}
		}
	}

	return age, ok
}

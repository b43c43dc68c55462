// Copyright 2023 The topicbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package b64 transcodes message payloads to and from the standard base64
// alphabet. Payloads travel as base64 text so that subscribers can print them
// safely regardless of what the publisher sent.
//
// Decoding is strict: the input length must be a multiple of four, every
// character must belong to the alphabet, and '=' may only appear as one or
// two trailing padding characters. Line breaks are not skipped.
package b64

import (
	"encoding/base64"
	"errors"
	"fmt"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

const (
	invalid = 0xFF
	padding = 0xFE
)

// ErrInvalid is returned (wrapped) for any text that is not valid base64.
var ErrInvalid = errors.New("b64: invalid input")

// reverse maps an input byte to its 6-bit value, padding or invalid. It is
// built once at package initialisation and only read afterwards.
var reverse = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = invalid
	}
	for i := 0; i < len(alphabet); i++ {
		t[alphabet[i]] = byte(i)
	}
	t['='] = padding
	return t
}()

// Encode returns the padded base64 form of src. An empty src encodes to "".
func Encode(src []byte) string {
	return base64.StdEncoding.EncodeToString(src)
}

// EncodeString is Encode for text payloads.
func EncodeString(s string) string {
	return Encode([]byte(s))
}

// Decode returns the bytes represented by s.
func Decode(s string) ([]byte, error) {
	n := len(s)
	if n%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrInvalid, n)
	}
	if n == 0 {
		return []byte{}, nil
	}

	pad := 0
	if s[n-1] == '=' {
		pad++
		if s[n-2] == '=' {
			pad++
		}
	}

	out := make([]byte, 0, n/4*3-pad)
	for i := 0; i < n; i += 4 {
		var quad [4]byte
		for j := 0; j < 4; j++ {
			c := s[i+j]
			v := reverse[c]
			switch {
			case v == invalid:
				return nil, fmt.Errorf("%w: illegal character %q at offset %d", ErrInvalid, c, i+j)
			case v == padding && i+j < n-pad:
				return nil, fmt.Errorf("%w: padding at offset %d", ErrInvalid, i+j)
			case v == padding:
				v = 0
			}
			quad[j] = v
		}
		triple := uint32(quad[0])<<18 | uint32(quad[1])<<12 | uint32(quad[2])<<6 | uint32(quad[3])
		out = append(out, byte(triple>>16), byte(triple>>8), byte(triple))
	}
	return out[:len(out)-pad], nil
}

// DecodeString is Decode for text payloads.
func DecodeString(s string) (string, error) {
	b, err := Decode(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

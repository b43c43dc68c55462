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

package b64

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func FuzzDecode(f *testing.F) {
	for _, s := range []string{"", "Zg==", "Zm9v", "c3Vubnk=", "a=b=", "====", "Zm9v\n"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		got, err := Decode(s)
		if err != nil {
			assert.True(t, errors.Is(err, ErrInvalid))
			return
		}
		// Anything accepted is canonical or differs only in pad bits, and
		// decodes the same as the standard library.
		want, stdErr := base64.StdEncoding.DecodeString(s)
		if stdErr == nil {
			assert.Equal(t, want, got)
		}
		require.Len(t, Encode(got), len(s))
	})
}

func FuzzRoundTrip(f *testing.F) {
	f.Add([]byte("sunny"))
	f.Add([]byte{})
	f.Add([]byte{0x00, 0xff, 0x10})
	f.Fuzz(func(t *testing.T, data []byte) {
		got, err := Decode(Encode(data))
		require.NoError(t, err)
		assert.Equal(t, len(data), len(got))
		assert.Equal(t, string(data), string(got))
	})
}

/*
 * Copyright 2024 The jmpapi Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dns

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeQueryStructure(t *testing.T) {
	packet, sentName, err := encodeQuery(0x1234, "example.com.", TypeA)
	require.NoError(t, err)
	require.NotEmpty(t, sentName)
	require.Equal(t, uint16(0x1234), getUint16(packet[0:2]))
	require.Equal(t, uint16(flagsQuery), getUint16(packet[2:4]))
	require.Equal(t, uint16(1), getUint16(packet[4:6]))
}

func TestEncodeNameRejectsOversizeLabel(t *testing.T) {
	_, err := encodeName(strings.Repeat("a", 64) + ".com")
	require.Error(t, err)

	_, err = encodeName(strings.Repeat("a", 63) + ".com")
	require.NoError(t, err)
}

func TestDecodeNameWithCompression(t *testing.T) {
	// "example.com" spelled out, then a second name that's just a pointer
	// back to offset 0.
	var buf []byte
	enc, err := encodeName("example.com.")
	require.NoError(t, err)
	buf = append(buf, enc...)
	pointerOffset := len(buf)
	buf = append(buf, 0xc0, 0x00) // pointer to offset 0

	name, next, err := decodeName(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "example.com", name)
	require.Equal(t, len(enc), next)

	name2, next2, err := decodeName(buf, pointerOffset)
	require.NoError(t, err)
	require.Equal(t, "example.com", name2)
	require.Equal(t, pointerOffset+2, next2)
}

func TestDecodeNameRejectsPointerLoop(t *testing.T) {
	// Two pointers that point at each other: 0 -> 2, 2 -> 0.
	buf := []byte{0xc0, 0x02, 0xc0, 0x00}
	_, _, err := decodeName(buf, 0)
	require.Error(t, err)
}

func TestDecodeNameRejectsOversizeLabel(t *testing.T) {
	buf := []byte{64}
	buf = append(buf, make([]byte, 64)...)
	buf = append(buf, 0)
	_, _, err := decodeName(buf, 0)
	require.Error(t, err)
}

func TestPTRNameIPv4(t *testing.T) {
	name, err := ptrName(net.ParseIP("1.2.3.4"))
	require.NoError(t, err)
	require.Equal(t, "4.3.2.1.in-addr.arpa.", name)
}

func TestPTRNameIPv6(t *testing.T) {
	name, err := ptrName(net.ParseIP("2001:db8::1"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(name, "ip6.arpa."))
	require.True(t, strings.HasPrefix(name, "1.0.0.0."))
}

func TestRandomizeCasePreservesLetters(t *testing.T) {
	out := randomizeCase("example.com")
	require.Equal(t, len(out), len("example.com"))
	require.True(t, strings.EqualFold(out, "example.com"))
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// request uses cbor tags, like the control protocol envelope.
type request struct {
	Action string `cbor:"action"`
	Name   string `cbor:"name,omitempty"`
	Count  int    `cbor:"count"`
}

// report uses json tags, like the types busdctl also prints as JSON.
type report struct {
	UniqueName string `json:"unique_name"`
	Names      int    `json:"names"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := request{Action: "peers", Name: ":1.7", Count: 42}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded request
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"zeta": 1, "alpha": 2, "mid": []string{"a", "b"}}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("deterministic encoding violated: %x != %x", first, again)
		}
	}
}

func TestEncoderDecoderStream(t *testing.T) {
	requests := []request{
		{Action: "status"},
		{Action: "names", Count: 2},
		{Action: "reload"},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, r := range requests {
		if err := encoder.Encode(r); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range requests {
		var got request
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if got != want {
			t.Errorf("request %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestJSONTagFallback(t *testing.T) {
	data, err := Marshal(report{UniqueName: ":1.3", Names: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]any
	if err := Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if fields["unique_name"] != ":1.3" {
		t.Errorf("decoded fields %v lack json-tagged key unique_name", fields)
	}
}

func TestRawMessageDefersDecoding(t *testing.T) {
	data, err := Marshal(request{Action: "names", Name: "com.example.Foo"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw RawMessage
	if err := Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal into RawMessage: %v", err)
	}
	var header struct {
		Action string `cbor:"action"`
	}
	if err := Unmarshal(raw, &header); err != nil {
		t.Fatalf("Unmarshal header: %v", err)
	}
	if header.Action != "names" {
		t.Errorf("action = %q, want names", header.Action)
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var r request
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &r); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

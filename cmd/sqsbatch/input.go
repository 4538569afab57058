package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	mmatesqs "github.com/glimte/mmate-sqs"
	"github.com/glimte/mmate-sqs/contracts"
)

// inputMessage is one line of the NDJSON input
type inputMessage struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Headers     map[string]string `json:"headers"`
	Body        json.RawMessage   `json:"body"`
	Delay       string            `json:"delay"`
	TTL         string            `json:"ttl"`
}

// readOperations parses one message per line. String bodies are sent as their
// text and any other JSON value as its encoding. Blank lines are skipped.
func readOperations(r io.Reader, defaultDestination string) ([]mmatesqs.TransportOperation, error) {
	var ops []mmatesqs.TransportOperation

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var in inputMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		op, err := in.operation(defaultDestination)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return ops, nil
}

func (in inputMessage) operation(defaultDestination string) (mmatesqs.TransportOperation, error) {
	destination := in.Destination
	if destination == "" {
		destination = defaultDestination
	}
	if destination == "" {
		return mmatesqs.TransportOperation{}, fmt.Errorf("no destination")
	}

	body := []byte(in.Body)
	var text string
	if err := json.Unmarshal(in.Body, &text); err == nil {
		body = []byte(text)
	}
	if bytes.Equal(body, []byte("null")) {
		body = nil
	}

	var props contracts.DispatchProperties
	if in.Delay != "" {
		d, err := time.ParseDuration(in.Delay)
		if err != nil {
			return mmatesqs.TransportOperation{}, fmt.Errorf("invalid delay: %w", err)
		}
		props.DelayDeliveryWith = d
	}
	if in.TTL != "" {
		d, err := time.ParseDuration(in.TTL)
		if err != nil {
			return mmatesqs.TransportOperation{}, fmt.Errorf("invalid ttl: %w", err)
		}
		props.DiscardIfNotReceivedBefore = d
	}

	return mmatesqs.TransportOperation{
		Message:     contracts.NewOutgoingMessage(in.ID, in.Headers, body),
		Destination: destination,
		Properties:  props,
	}, nil
}

// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/parcelworks/dispatch/dispatch/stream"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// EventStream streams the tenant's commit events as newline delimited JSON.
// ?index resumes from a retained commit index, ?topic=Topic:Key filters,
// and heartbeats keep idle connections open.
func (s *HTTPServer) EventStream(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	query := req.URL.Query()

	indexStr := query.Get("index")
	if indexStr == "" {
		indexStr = "0"
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		return nil, CodedError(400, fmt.Sprintf("Unable to parse index: %v", err))
	}

	topics, err := parseEventTopics(query)
	if err != nil {
		return nil, CodedError(400, fmt.Sprintf("Invalid topic query: %v", err))
	}

	org, err := parseOrganization(req)
	if err != nil {
		return nil, err
	}

	broker, err := s.agent.Server().State().EventBroker()
	if err != nil {
		return nil, CodedError(500, err.Error())
	}

	subscription, err := broker.Subscribe(&stream.SubscribeRequest{
		OrganizationID: org,
		Index:          uint64(index),
		Topics:         topics,
	})
	if err != nil {
		return nil, CodedError(500, err.Error())
	}
	defer subscription.Unsubscribe()

	resp.Header().Set("Content-Type", "application/json")
	resp.Header().Set("Cache-Control", "no-cache")

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	errCh := make(chan error)
	jsonStream := stream.NewJsonStream(ctx, 10*time.Second)

	go func() {
		defer cancel()
		for {
			events, err := subscription.Next(ctx)
			if err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
				}
				return
			}

			if len(events.Events) == 0 {
				continue
			}

			if err := jsonStream.Send(events); err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	flusher, _ := resp.(http.Flusher)

	var streamErr error
OUTER:
	for {
		select {
		case streamErr = <-errCh:
			break OUTER
		case <-ctx.Done():
			break OUTER
		case eventJSON, ok := <-jsonStream.OutCh():
			if !ok {
				select {
				case streamErr = <-errCh:
					// There was a pending error.
				default:
				}
				break OUTER
			}

			if _, err := resp.Write(eventJSON.Data); err != nil {
				streamErr = err
				break OUTER
			}
			// Each entry is its own line per ndjson.
			io.WriteString(resp, "\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	// A closed connection and a server-side unsubscribe are both normal
	// ends of a stream, not errors to report.
	if streamErr != nil &&
		!errors.Is(streamErr, context.Canceled) &&
		!errors.Is(streamErr, stream.ErrSubscriptionClosed) {
		return nil, streamErr
	}
	return nil, nil
}

func parseEventTopics(query url.Values) (map[structs.Topic][]string, error) {
	raw, ok := query["topic"]
	if !ok {
		return allTopics(), nil
	}
	topics := make(map[structs.Topic][]string)

	for _, topic := range raw {
		k, v, err := parseTopic(topic)
		if err != nil {
			return nil, fmt.Errorf("error parsing topics: %w", err)
		}

		topics[structs.Topic(k)] = append(topics[structs.Topic(k)], v)
	}
	return topics, nil
}

func parseTopic(topic string) (string, string, error) {
	parts := strings.Split(topic, ":")
	// Infer wildcard if only given a topic.
	if len(parts) == 1 {
		return topic, "*", nil
	} else if len(parts) != 2 {
		return "", "", fmt.Errorf("Invalid key value pair for topic, topic: %s", topic)
	}
	return parts[0], parts[1], nil
}

func allTopics() map[structs.Topic][]string {
	return map[structs.Topic][]string{"*": {"*"}}
}

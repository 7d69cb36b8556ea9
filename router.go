// Copyright 2025 Edgeo SCADA
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

package mqttwss

import "strings"

// Router dispatches incoming messages to per-filter handlers, matching
// topic filters against a Message's Topic using the standard MQTT
// wildcard rules ('+' matches exactly one level, '#' matches the rest
// of the topic and must be the last level). The engine's own OnMessage
// callback delivers every message undifferentiated; Router is an
// optional convenience layered on top for callers who subscribe to more
// than one filter.
type Router struct {
	routes []route
}

type route struct {
	filter  string
	handler func(Message)
}

// NewRouter returns an empty Router. Use Handle to register per-filter
// callbacks, then pass Router.Dispatch as the Client's OnMessage
// callback.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers handler for every message whose topic matches filter.
func (r *Router) Handle(filter string, handler func(Message)) {
	r.routes = append(r.routes, route{filter: filter, handler: handler})
}

// Dispatch runs every handler whose filter matches msg.Topic. Intended
// to be passed directly as WithOnMessage's callback.
func (r *Router) Dispatch(msg Message) {
	for _, rt := range r.routes {
		if topicMatches(rt.filter, msg.Topic) {
			rt.handler(msg)
		}
	}
}

func topicMatches(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, fp := range filterParts {
		if fp == "#" {
			return true // '#' must be the last filter level and matches everything under it
		}
		if i >= len(topicParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

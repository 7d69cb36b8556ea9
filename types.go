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

import "github.com/edgeo-scada/mqttwss/internal/mqttsession"

// QoS is an MQTT delivery guarantee level.
type QoS = mqttsession.QoS

const (
	QoS0 = mqttsession.QoS0
	QoS1 = mqttsession.QoS1
	QoS2 = mqttsession.QoS2
)

// PublishFlag bits compose the flags argument of Publish, mirroring the
// engine's wire composition opcodes.
type PublishFlag uint8

const (
	PublishQoS0  PublishFlag = 0x00
	PublishQoS1  PublishFlag = 0x01
	PublishQoS2  PublishFlag = 0x02
	publishQoS   PublishFlag = 0x03 // mask
	PublishRetain PublishFlag = 0x04
)

// QoS extracts the QoS level encoded in a PublishFlag value.
func (f PublishFlag) QoS() QoS { return QoS(f & publishQoS) }

// Retain reports whether the retain bit is set.
func (f PublishFlag) Retain() bool { return f&PublishRetain != 0 }

// Will describes an MQTT last-will-and-testament message, published by
// the broker if the connection drops uncleanly.
type Will struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// ConnectParams bundles the per-connection arguments of the CONNECT
// control packet, distinct from the longer-lived ClientOptions.
type ConnectParams struct {
	ClientID string
	// CleanSession is accepted for API symmetry but Connect always
	// requests a clean session on the wire; this engine never persists
	// subscription state across connections.
	CleanSession bool
	// KeepAlive is the MQTT keep-alive interval in seconds; a PINGREQ is
	// sent once 0.75 of it has passed since the last send. Connect
	// substitutes 400 if left at 0 rather than disabling keep-alive.
	KeepAlive uint16
	Username  string
	Password  []byte
	Will      *Will
}

// Subscription pairs a topic filter with the maximum QoS requested.
type Subscription = mqttsession.Subscription

// ConnAckCode is the MQTT v3.1.1 CONNACK return code space (section
// 3.2.2.3), distinct from MQTT v5's richer reason-code space.
type ConnAckCode = mqttsession.ConnAckCode

const (
	ConnAccepted              = mqttsession.ConnAccepted
	ConnRefusedProtoVersion   = mqttsession.ConnRefusedProtoVersion
	ConnRefusedIdentifier     = mqttsession.ConnRefusedIdentifier
	ConnRefusedServerUnavail  = mqttsession.ConnRefusedServerUnavail
	ConnRefusedBadCredentials = mqttsession.ConnRefusedBadCredentials
	ConnRefusedNotAuthorized  = mqttsession.ConnRefusedNotAuthorized
)

// Message is a decoded PUBLISH delivered to the application.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Retain    bool
	Duplicate bool
}

/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// GroupVersion is the apiVersion of configuration files.
var GroupVersion = schema.GroupVersion{Group: "packetfilter.openshift.io", Version: "v1alpha1"}

const PacketFilterConfigKind = "PacketFilterConfig"

// ActionType is the verdict of a filter rule.
// +kubebuilder:validation:Enum="pass";"block";"scrub"
type ActionType string

const (
	ActionPass  ActionType = "pass"
	ActionBlock ActionType = "block"
	ActionScrub ActionType = "scrub"
)

// DirectionType selects the direction a rule applies to.
// +kubebuilder:validation:Enum="in";"out"
type DirectionType string

const (
	DirectionIn  DirectionType = "in"
	DirectionOut DirectionType = "out"
)

// ProtocolType refers to an IP protocol by name or number.
type ProtocolType string

const (
	ProtocolTypeAny  ProtocolType = ""
	ProtocolTypeICMP ProtocolType = "icmp"
	ProtocolTypeTCP  ProtocolType = "tcp"
	ProtocolTypeUDP  ProtocolType = "udp"
)

// KeepStateType selects whether passing packets create a state.
// +kubebuilder:validation:Enum="";"keep";"modulate"
type KeepStateType string

const (
	KeepStateNone     KeepStateType = ""
	KeepStateKeep     KeepStateType = "keep"
	KeepStateModulate KeepStateType = "modulate"
)

// Endpoint is an address predicate with optional ports.
type Endpoint struct {
	// Address is "any", an address or a CIDR, optionally prefixed with "!".
	// +optional
	Address string `json:"address,omitempty"`

	// Ports is a port, "8000-8010", "1000<>2000" or an operator followed by a
	// port such as ">1024" or "!=22".
	// +optional
	Ports *intstr.IntOrString `json:"ports,omitempty"`
}

// ICMPReturn is the ICMP error sent back for blocked packets.
type ICMPReturn struct {
	// +kubebuilder:validation:Maximum:=255
	Type uint8 `json:"type"`
	// +kubebuilder:validation:Maximum:=255
	Code uint8 `json:"code"`
}

// FilterRule is one filter or scrub rule.
type FilterRule struct {
	Action    ActionType    `json:"action"`
	Direction DirectionType `json:"direction"`

	// Interface restricts the rule to one interface; "!eth0" to all others.
	// +optional
	Interface string `json:"interface,omitempty"`

	// Family is "inet" or "inet6".
	// +optional
	Family string `json:"family,omitempty"`

	// +optional
	Protocol ProtocolType `json:"protocol,omitempty"`

	// +optional
	From Endpoint `json:"from,omitempty"`
	// +optional
	To Endpoint `json:"to,omitempty"`

	// Flags is a TCP flag match in pf.conf syntax, e.g. "S/SA".
	// +optional
	Flags string `json:"flags,omitempty"`

	// ICMPType and ICMPCode restrict ICMP rules.
	// +optional
	ICMPType *uint8 `json:"icmpType,omitempty"`
	// +optional
	ICMPCode *uint8 `json:"icmpCode,omitempty"`

	// +optional
	Log bool `json:"log,omitempty"`
	// LogAll logs every packet of the states the rule creates.
	// +optional
	LogAll bool `json:"logAll,omitempty"`
	// +optional
	Quick bool `json:"quick,omitempty"`
	// +optional
	KeepState KeepStateType `json:"keepState,omitempty"`

	// +optional
	ReturnRST bool `json:"returnRST,omitempty"`
	// +optional
	ReturnICMP *ICMPReturn `json:"returnICMP,omitempty"`

	// MinTTL and NoDF apply to scrub rules.
	// +optional
	MinTTL uint8 `json:"minTTL,omitempty"`
	// +optional
	NoDF bool `json:"noDF,omitempty"`
}

// NATRule rewrites the source of outbound packets.
type NATRule struct {
	Interface string `json:"interface,omitempty"`
	// +optional
	Protocol ProtocolType `json:"protocol,omitempty"`
	// +optional
	From Endpoint `json:"from,omitempty"`
	// +optional
	To Endpoint `json:"to,omitempty"`
	// Translation is the external address.
	Translation string `json:"translation"`
}

// BINATRule maps an internal host to an external address in both
// directions.
type BINATRule struct {
	Interface string `json:"interface,omitempty"`
	// +optional
	Protocol ProtocolType `json:"protocol,omitempty"`
	// Internal is the address of the internal host.
	Internal string `json:"internal"`
	// To restricts the peers the mapping applies to; ports are not allowed.
	// +optional
	To string `json:"to,omitempty"`
	// Translation is the external address.
	Translation string `json:"translation"`
}

// RDRRule redirects inbound packets.
type RDRRule struct {
	Interface string `json:"interface,omitempty"`
	// +optional
	Protocol ProtocolType `json:"protocol,omitempty"`
	// +optional
	From Endpoint `json:"from,omitempty"`
	// To holds the destination address and a port or "first-last" range.
	// +optional
	To Endpoint `json:"to,omitempty"`
	// Translation is the internal address.
	Translation string `json:"translation"`
	// TranslationPort is the new destination port. With a destination port
	// range, "9000:*" maps the range onto 9000 keeping the offset.
	// +optional
	TranslationPort *intstr.IntOrString `json:"translationPort,omitempty"`
}

// PacketFilterConfigSpec defines the tables, timeouts and limits loaded into
// the packet filter.
type PacketFilterConfigSpec struct {
	// DefaultPolicy applies when no rule matches.
	// +kubebuilder:validation:Enum="pass";"block"
	// +optional
	DefaultPolicy ActionType `json:"defaultPolicy,omitempty"`

	// NATMatchMode is "first" or "last".
	// +optional
	NATMatchMode string `json:"natMatchMode,omitempty"`

	// FailsafeRules prepends rules keeping management services reachable.
	// +optional
	FailsafeRules *bool `json:"failsafeRules,omitempty"`

	// StatusInterface selects the interface whose traffic is counted.
	// +optional
	StatusInterface string `json:"statusInterface,omitempty"`

	// Debug is "none", "urgent" or "misc".
	// +optional
	Debug string `json:"debug,omitempty"`

	// Timeouts in seconds, keyed by name (e.g. "tcp.established").
	// +optional
	Timeouts map[string]int64 `json:"timeouts,omitempty"`

	// Limits keyed by "states" or "frags".
	// +optional
	Limits map[string]int64 `json:"limits,omitempty"`

	// +optional
	Rules []FilterRule `json:"rules,omitempty"`
	// +optional
	NAT []NATRule `json:"nat,omitempty"`
	// +optional
	BINAT []BINATRule `json:"binat,omitempty"`
	// +optional
	RDR []RDRRule `json:"rdr,omitempty"`
}

// PacketFilterConfig is the schema of packet filter configuration files.
type PacketFilterConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec PacketFilterConfigSpec `json:"spec,omitempty"`
}

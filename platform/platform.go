// Package platform detects the host operating system family and resolves the
// bus interface/channel/bitrate configuration a connection should use.
//
// Bus candidates are enumerated per OS family as typed structs rather than
// maps of loosely-typed options, and selection always resolves to a
// concrete {interface, channel, bitrate} triple or an explicit error.
package platform

import (
	"fmt"
	"runtime"
)

// Family identifies a host operating system family.
type Family string

const (
	FamilyLinux   Family = "linux"
	FamilyDarwin  Family = "darwin"
	FamilyWindows Family = "windows"
	FamilyUnknown Family = "unknown"
)

// ErrInterfaceUnavailable is returned when no usable bus interface exists and
// fallback was disallowed.
var ErrInterfaceUnavailable = fmt.Errorf("platform: no usable bus interface available")

// Interface describes one interface implementation a family can offer
// (e.g. "socketcan" or "virtual").
type Interface struct {
	Name    string
	Channel string
	Bitrate int
}

// Candidates lists a family's available interfaces, in preference order. The
// first entry is the recommended interface for that family.
type Candidates struct {
	Family     Family
	Interfaces []Interface
}

// defaultCatalog: Linux favors socketcan/can0 @ 500kbps; every other family
// falls back to an in-process virtual bus on vcan0.
var defaultCatalog = map[Family]Candidates{
	FamilyLinux: {
		Family: FamilyLinux,
		Interfaces: []Interface{
			{Name: "socketcan", Channel: "can0", Bitrate: 500000},
			{Name: "virtual", Channel: "vcan0", Bitrate: 500000},
		},
	},
	FamilyDarwin: {
		Family:     FamilyDarwin,
		Interfaces: []Interface{{Name: "virtual", Channel: "vcan0", Bitrate: 500000}},
	},
	FamilyWindows: {
		Family:     FamilyWindows,
		Interfaces: []Interface{{Name: "virtual", Channel: "vcan0", Bitrate: 500000}},
	},
	FamilyUnknown: {
		Family:     FamilyUnknown,
		Interfaces: []Interface{{Name: "virtual", Channel: "vcan0", Bitrate: 500000}},
	},
}

// DetectFamily maps runtime.GOOS onto a Family.
func DetectFamily() Family {
	switch runtime.GOOS {
	case "linux":
		return FamilyLinux
	case "darwin":
		return FamilyDarwin
	case "windows":
		return FamilyWindows
	default:
		return FamilyUnknown
	}
}

// Resolution is the outcome of Select: the chosen interface plus whether a
// fallback (i.e. not the caller's preferred interface) was used.
type Resolution struct {
	Family     Family
	Interface  string
	Channel    string
	Bitrate    int
	Fallback   bool
	Diagnostic Diagnostics
}

// Diagnostics is a troubleshooting view exposing the detected family and
// candidate interface list for operators.
type Diagnostics struct {
	Family             Family
	AvailableNames     []string
	PreferredRequested string
	AllowFallback      bool
}

// Selector resolves a preferred interface/channel pair against a catalog of
// per-family candidates. A zero-value Selector uses defaultCatalog.
type Selector struct {
	catalog map[Family]Candidates
}

// NewSelector constructs a Selector. A nil catalog uses the built-in defaults.
func NewSelector(catalog map[Family]Candidates) *Selector {
	if catalog == nil {
		catalog = defaultCatalog
	}
	return &Selector{catalog: catalog}
}

// Select resolves the concrete {interface, channel, bitrate} to use.
//
// preferredInterface and preferredChannel are optional (empty string means
// "no preference"). When the preferred interface isn't available for the
// detected family, Select falls back to the family's recommended interface
// if allowFallback is true; otherwise it returns ErrInterfaceUnavailable.
func (s *Selector) Select(preferredInterface, preferredChannel string, allowFallback bool) (Resolution, error) {
	family := DetectFamily()
	cands, ok := s.catalog[family]
	if !ok || len(cands.Interfaces) == 0 {
		cands = s.catalog[FamilyUnknown]
	}

	names := make([]string, 0, len(cands.Interfaces))
	for _, iface := range cands.Interfaces {
		names = append(names, iface.Name)
	}
	diag := Diagnostics{
		Family:             family,
		AvailableNames:     names,
		PreferredRequested: preferredInterface,
		AllowFallback:      allowFallback,
	}

	if preferredInterface != "" {
		for _, iface := range cands.Interfaces {
			if iface.Name == preferredInterface {
				channel := iface.Channel
				if preferredChannel != "" {
					channel = preferredChannel
				}
				return Resolution{
					Family:     family,
					Interface:  iface.Name,
					Channel:    channel,
					Bitrate:    iface.Bitrate,
					Fallback:   false,
					Diagnostic: diag,
				}, nil
			}
		}
		if !allowFallback {
			return Resolution{}, ErrInterfaceUnavailable
		}
	}

	if len(cands.Interfaces) == 0 {
		return Resolution{}, ErrInterfaceUnavailable
	}
	recommended := cands.Interfaces[0]
	channel := recommended.Channel
	if preferredInterface == "" && preferredChannel != "" {
		channel = preferredChannel
	}
	return Resolution{
		Family:     family,
		Interface:  recommended.Name,
		Channel:    channel,
		Bitrate:    recommended.Bitrate,
		Fallback:   preferredInterface != "" && preferredInterface != recommended.Name,
		Diagnostic: diag,
	}, nil
}

// Diagnose returns the detected family and candidate interfaces without
// performing a selection. Useful for operator troubleshooting commands.
func Diagnose() Diagnostics {
	family := DetectFamily()
	cands := defaultCatalog[family]
	names := make([]string, 0, len(cands.Interfaces))
	for _, iface := range cands.Interfaces {
		names = append(names, iface.Name)
	}
	return Diagnostics{Family: family, AvailableNames: names}
}

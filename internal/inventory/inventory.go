// Package inventory models the configuration and system-lookup data that
// drives a call: peers, their alternates, ports, and time restrictions. It
// is loaded once at process start from a YAML document.
package inventory

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Reliability is the set of transport-quality flags a port, dialer, or
// sub-protocol can require or provide.
type Reliability struct {
	EightBit  bool `yaml:"eight_bit"`
	Reliable  bool `yaml:"reliable"`
	EndToEnd  bool `yaml:"end_to_end"`
	Specified bool `yaml:"specified"`
}

// Subset reports whether every flag set in r is also set in other.
func (r Reliability) Subset(other Reliability) bool {
	if r.EightBit && !other.EightBit {
		return false
	}
	if r.Reliable && !other.Reliable {
		return false
	}
	if r.EndToEnd && !other.EndToEnd {
		return false
	}
	if r.Specified && !other.Specified {
		return false
	}
	return true
}

// ProtoParam is one parameter-command entry carried by a peer, port, or
// dialer, to be applied once a sub-protocol is selected.
type ProtoParam struct {
	ProtocolID string   `yaml:"protocol_id"`
	Args       []string `yaml:"args"`
}

// TimeRestriction is a (day-of-week x hour) span with an optional grade
// floor and retry-interval hint.
type TimeRestriction struct {
	Days         []time.Weekday `yaml:"-"`
	DayNames     []string       `yaml:"days"`
	StartHour    int            `yaml:"start_hour"`
	EndHour      int            `yaml:"end_hour"`
	GradeFloor   string         `yaml:"grade_floor"`
	RetryMinutes int            `yaml:"retry_minutes"`
}

var weekdayByName = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	"any": -1,
}

func (tr *TimeRestriction) resolveDays() error {
	if len(tr.DayNames) == 0 {
		tr.Days = nil // "any" day
		return nil
	}
	tr.Days = tr.Days[:0]
	for _, name := range tr.DayNames {
		d, ok := weekdayByName[name]
		if !ok {
			return fmt.Errorf("unknown day name %q", name)
		}
		if d == -1 {
			tr.Days = nil
			return nil
		}
		tr.Days = append(tr.Days, d)
	}
	return nil
}

// Matches reports whether now falls within the restriction, and the
// retry-minutes hint to use when it does not.
func (tr TimeRestriction) Matches(now time.Time) (hit bool, retryMinutes int) {
	if len(tr.Days) > 0 {
		found := false
		for _, d := range tr.Days {
			if d == now.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false, tr.RetryMinutes
		}
	}
	hour := now.Hour()
	if tr.StartHour <= tr.EndHour {
		hit = hour >= tr.StartHour && hour < tr.EndHour
	} else {
		// Wraps past midnight, e.g. 22-6.
		hit = hour >= tr.StartHour || hour < tr.EndHour
	}
	return hit, tr.RetryMinutes
}

// Alternate is one call-variant record attached to a peer: a distinct
// phone/host, chat script, grade floor, port preference, and so on.
type Alternate struct {
	Address          string            `yaml:"address"`
	ChatScript       []string          `yaml:"chat_script"`
	GradeFloor       string            `yaml:"grade_floor"`
	PortPreference   []string          `yaml:"port_preference"`
	LocalName        string            `yaml:"local_name"`
	ProtocolPrefs    []string          `yaml:"protocol_preference"`
	CalledLogin      string            `yaml:"called_login"`
	TimeRestrictions []TimeRestriction `yaml:"time_restrictions"`
	OnlyIfWork       bool              `yaml:"only_if_work"`
	ProtoParams      []ProtoParam      `yaml:"proto_params"`
}

// Peer is a named remote node with which calls may be exchanged.
type Peer struct {
	Name        string       `yaml:"name"`
	Aliases     []string     `yaml:"aliases"`
	Alternates  []Alternate  `yaml:"alternates"`
	Callable    bool         `yaml:"callable"`
	CalledAs    string       `yaml:"called_as"`
	CallBack    bool         `yaml:"call_back"`
	SeqCheck    bool         `yaml:"sequence_check"`
	ProtoParams []ProtoParam `yaml:"proto_params"`
}

// MatchesName reports whether candidate identifies this peer, honoring the
// seven-character legacy truncation kink: when candidate is exactly seven
// characters, only the first seven characters of each alias are compared.
func (p Peer) MatchesName(candidate string) bool {
	names := append([]string{p.Name}, p.Aliases...)
	for _, n := range names {
		if len(candidate) == 7 {
			if truncate7(n) == candidate {
				return true
			}
			continue
		}
		if n == candidate {
			return true
		}
	}
	return false
}

func truncate7(s string) string {
	if len(s) <= 7 {
		return s
	}
	return s[:7]
}

// PortKind is the tagged variant of a Port.
type PortKind string

const (
	PortModem      PortKind = "modem"
	PortDirect     PortKind = "direct"
	PortTCP        PortKind = "tcp"
	PortStdio      PortKind = "stdin_stdout"
)

// Port is one transport binding an operator has configured.
type Port struct {
	Name          string       `yaml:"name"`
	Kind          PortKind     `yaml:"kind"`
	Device        string       `yaml:"device"`
	Address       string       `yaml:"address"`
	BaudMin       int          `yaml:"baud_min"`
	BaudMax       int          `yaml:"baud_max"`
	Reliability   Reliability  `yaml:"reliability"`
	ProtocolPrefs []string     `yaml:"protocol_preference"`
	ProtoParams   []ProtoParam `yaml:"proto_params"`
}

// EffectiveReliability computes the reliability mask a sub-protocol must be
// a subset of, per the negotiation rule in the handshake: a TCP port always
// reports end-to-end/reliable/eight-bit/specified; otherwise it is the
// intersection of port and dialer reliability when both mark `specified`,
// else their union, else the conservative default.
func (p Port) EffectiveReliability(dialerSpecified bool, dialer Reliability) Reliability {
	if p.Kind == PortTCP {
		return Reliability{EightBit: true, Reliable: true, EndToEnd: true, Specified: true}
	}
	if p.Reliability.Specified && dialerSpecified {
		return Reliability{
			EightBit:  p.Reliability.EightBit && dialer.EightBit,
			Reliable:  p.Reliability.Reliable && dialer.Reliable,
			EndToEnd:  p.Reliability.EndToEnd && dialer.EndToEnd,
			Specified: true,
		}
	}
	if p.Reliability.Specified || dialerSpecified {
		return Reliability{
			EightBit:  p.Reliability.EightBit || dialer.EightBit,
			Reliable:  p.Reliability.Reliable || dialer.Reliable,
			EndToEnd:  p.Reliability.EndToEnd || dialer.EndToEnd,
			Specified: true,
		}
	}
	return Reliability{Reliable: true, EightBit: true, Specified: true}
}

// Credential is an opaque login/password pair the Login Dispatcher checks
// answerer-side logins against.
type Credential struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	PeerName string `yaml:"peer"`
}

// Inventory is the full configuration document for one node.
type Inventory struct {
	NodeName      string       `yaml:"node_name"`
	Peers         []Peer       `yaml:"peers"`
	Ports         []Port       `yaml:"ports"`
	Credentials   []Credential `yaml:"credentials"`
	MaxRetries    int          `yaml:"max_retries"`
	DebugCeiling  int          `yaml:"debug_ceiling"`
	SessionLogDir string       `yaml:"session_log_dir"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`

	StatusDir string `yaml:"status_dir"`
	LockDir   string `yaml:"lock_dir"`
	SpoolDir  string `yaml:"spool_dir"`

	S3Archive *S3ArchiveConfig `yaml:"s3_archive"`
	TLS       *TLSConfig       `yaml:"tls"`
}

// TLSConfig optionally hardens tcp-class ports with mutual TLS. A nil TLS
// (or empty cert paths on the side in use) leaves that side running plain
// TCP, the same opt-in-per-port-kind posture the rest of the Port model
// uses for reliability flags.
type TLSConfig struct {
	CACertPath     string `yaml:"ca_cert_path"`
	ClientCertPath string `yaml:"client_cert_path"`
	ClientKeyPath  string `yaml:"client_key_path"`
	ServerCertPath string `yaml:"server_cert_path"`
	ServerKeyPath  string `yaml:"server_key_path"`
	ServerName     string `yaml:"server_name"`
}

// S3ArchiveConfig enables write-behind mirroring of every enqueued spool
// job's manifest to an S3-compatible bucket.
type S3ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// AccessKeyID/SecretAccessKey, when both set, pin the archiver to a
	// static credential pair instead of the ambient provider chain
	// (environment, shared config, IMDS).
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Load reads and validates an Inventory document from path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	if err := inv.validate(); err != nil {
		return nil, fmt.Errorf("validating inventory %s: %w", path, err)
	}
	return &inv, nil
}

func (inv *Inventory) validate() error {
	if inv.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	if inv.Logging.Level == "" {
		inv.Logging.Level = "info"
	}
	if inv.Logging.Format == "" {
		inv.Logging.Format = "json"
	}
	if inv.StatusDir == "" {
		inv.StatusDir = "/var/lib/uucico/status"
	}
	if inv.LockDir == "" {
		inv.LockDir = "/var/lib/uucico/locks"
	}
	if inv.SpoolDir == "" {
		inv.SpoolDir = "/var/spool/uucico"
	}
	if inv.DebugCeiling == 0 {
		inv.DebugCeiling = 9
	}
	for i := range inv.Peers {
		for j := range inv.Peers[i].Alternates {
			for k := range inv.Peers[i].Alternates[j].TimeRestrictions {
				if err := inv.Peers[i].Alternates[j].TimeRestrictions[k].resolveDays(); err != nil {
					return fmt.Errorf("peer %s alternate %d: %w", inv.Peers[i].Name, j, err)
				}
			}
		}
	}
	seen := map[string]bool{}
	for _, p := range inv.Peers {
		if p.Name == "" {
			return fmt.Errorf("peer with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate peer name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// PeerByName finds a configured peer by exact name, not alias.
func (inv *Inventory) PeerByName(name string) (Peer, bool) {
	for _, p := range inv.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return Peer{}, false
}

// PeerByClaimedName finds a peer whose name or alias set matches candidate,
// honoring the seven-character compatibility kink.
func (inv *Inventory) PeerByClaimedName(candidate string) (Peer, bool) {
	for _, p := range inv.Peers {
		if p.MatchesName(candidate) {
			return p, true
		}
	}
	return Peer{}, false
}

// PortByName finds a configured port by name.
func (inv *Inventory) PortByName(name string) (Port, bool) {
	for _, p := range inv.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// CredentialByLogin finds a credential record by login.
func (inv *Inventory) CredentialByLogin(login string) (Credential, bool) {
	for _, c := range inv.Credentials {
		if c.Login == login {
			return c, true
		}
	}
	return Credential{}, false
}

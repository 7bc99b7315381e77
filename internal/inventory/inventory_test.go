package inventory

import (
	"testing"
	"time"
)

func TestPeerMatchesNameSevenCharCompat(t *testing.T) {
	p := Peer{Name: "systemname", Aliases: []string{"alt"}}
	if !p.MatchesName("systemn") {
		t.Fatalf("expected 7-char truncated candidate %q to match %q", "systemn", p.Name)
	}
	if p.MatchesName("systemx") {
		t.Fatalf("did not expect mismatching 7-char candidate to match")
	}
	if !p.MatchesName("alt") {
		t.Fatalf("expected exact alias match")
	}
}

func TestTimeRestrictionMatches(t *testing.T) {
	tr := TimeRestriction{StartHour: 22, EndHour: 6, RetryMinutes: 30}
	late := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	mid := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	if hit, _ := tr.Matches(late); !hit {
		t.Errorf("expected wrap-around window to match at 23:00")
	}
	if hit, _ := tr.Matches(mid); hit {
		t.Errorf("did not expect wrap-around window to match at 12:00")
	}
}

func TestEffectiveReliabilityTCP(t *testing.T) {
	port := Port{Kind: PortTCP}
	r := port.EffectiveReliability(false, Reliability{})
	if !(r.EightBit && r.Reliable && r.EndToEnd && r.Specified) {
		t.Errorf("expected TCP port to report full reliability, got %+v", r)
	}
}

func TestEffectiveReliabilityIntersection(t *testing.T) {
	port := Port{Kind: PortModem, Reliability: Reliability{Specified: true, Reliable: true, EightBit: false}}
	dialer := Reliability{Specified: true, Reliable: true, EightBit: true}
	r := port.EffectiveReliability(true, dialer)
	if r.EightBit {
		t.Errorf("expected intersection to drop EightBit, got %+v", r)
	}
	if !r.Reliable {
		t.Errorf("expected intersection to keep Reliable, got %+v", r)
	}
}

func TestReliabilitySubset(t *testing.T) {
	required := Reliability{Reliable: true, EightBit: true}
	if !required.Subset(Reliability{Reliable: true, EightBit: true, EndToEnd: true}) {
		t.Errorf("expected subset to hold")
	}
	if required.Subset(Reliability{Reliable: true}) {
		t.Errorf("expected subset to fail when EightBit missing")
	}
}

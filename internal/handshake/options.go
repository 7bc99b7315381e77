package handshake

import (
	"fmt"
	"strconv"
	"strings"
)

// CallerOptions is the parsed/unparsed form of the caller's identity line:
//
//	S<localname> [-Q<seq>] [-p<grade>] [-vgrade=<grade>] -N [-U<ulimit512>] [-R] [-x<debug>]
type CallerOptions struct {
	LocalName  string
	Seq        int
	HasSeq     bool
	Grade      string
	HasGrade   bool
	ExtendedOK bool // -N present
	Ulimit512  int
	HasUlimit  bool
	Restart    bool
	DebugLevel int
	Unknown    []string
}

// EncodeCallerLine builds the wire line from options, per 4.D.2: -p and
// -vgrade= are both sent (to maximise compatibility with peers that only
// understand one form) whenever a grade floor is set.
func EncodeCallerLine(o CallerOptions) string {
	var b strings.Builder
	b.WriteByte('S')
	b.WriteString(o.LocalName)
	if o.HasSeq {
		fmt.Fprintf(&b, " -Q%d", o.Seq)
	}
	if o.HasGrade {
		fmt.Fprintf(&b, " -p%s -vgrade=%s", o.Grade, o.Grade)
	}
	if o.ExtendedOK {
		b.WriteString(" -N")
	}
	if o.HasUlimit {
		fmt.Fprintf(&b, " -U%d", o.Ulimit512)
	}
	if o.Restart {
		b.WriteString(" -R")
	}
	if o.DebugLevel > 0 {
		fmt.Fprintf(&b, " -x%d", o.DebugLevel)
	}
	return b.String()
}

// ParseCallerLine parses a wire line of the above form. Unrecognised
// tokens are collected in Unknown rather than rejected. RunAnswerer skips
// them; it does not log them.
func ParseCallerLine(line string) (CallerOptions, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "S") {
		return CallerOptions{}, fmt.Errorf("handshake: malformed caller line %q", line)
	}

	o := CallerOptions{LocalName: strings.TrimPrefix(fields[0], "S")}
	for _, tok := range fields[1:] {
		switch {
		case tok == "-N":
			o.ExtendedOK = true
		case tok == "-R":
			o.Restart = true
		case strings.HasPrefix(tok, "-Q"):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "-Q"))
			if err != nil {
				o.Unknown = append(o.Unknown, tok)
				continue
			}
			o.Seq, o.HasSeq = n, true
		case strings.HasPrefix(tok, "-vgrade="):
			o.Grade, o.HasGrade = strings.TrimPrefix(tok, "-vgrade="), true
		case strings.HasPrefix(tok, "-p"):
			if !o.HasGrade {
				o.Grade, o.HasGrade = strings.TrimPrefix(tok, "-p"), true
			}
		case strings.HasPrefix(tok, "-U"):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "-U"))
			if err != nil {
				o.Unknown = append(o.Unknown, tok)
				continue
			}
			o.Ulimit512, o.HasUlimit = n, true
		case strings.HasPrefix(tok, "-x"):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "-x"))
			if err != nil {
				o.Unknown = append(o.Unknown, tok)
				continue
			}
			o.DebugLevel = n
		default:
			o.Unknown = append(o.Unknown, tok)
		}
	}
	return o, nil
}

// gradeRank returns the ordering key for a single alphanumeric grade
// character: 0<...<9<A<...<Z<a<...<z, lower rank meaning higher priority.
func gradeRank(g byte) int { return int(g) }

// GradeAtLeast reports whether candidate grade meets or exceeds (in
// priority, i.e. a lower or equal ordinal) the floor.
func GradeAtLeast(candidate, floor byte) bool {
	return gradeRank(candidate) <= gradeRank(floor)
}

package subprotocol

import "io"

// startPassthrough backs the t/e/f capability records with a minimal loop
// that simply echoes a single end-of-transfer marker both directions agree
// on. These sub-protocols' real data-framing contracts are out of scope for
// this engine (see the package doc); this loop exists only so a capability
// advertised in the greeting phase is runnable end to end in tests and
// demos, not as a specified transfer format.
func startPassthrough(cfg Config) TransferLoop {
	return func(conn io.ReadWriter, role Role, setHangup func()) (bool, error) {
		const marker = "DONE\n"
		if role == Caller {
			if _, err := io.WriteString(conn, marker); err != nil {
				return false, err
			}
			buf := make([]byte, len(marker))
			if _, err := io.ReadFull(conn, buf); err != nil {
				return false, err
			}
			return string(buf) == marker, nil
		}

		buf := make([]byte, len(marker))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return false, err
		}
		if _, err := io.WriteString(conn, marker); err != nil {
			return false, err
		}
		return string(buf) == marker, nil
	}
}

package gossip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Wire protocol: a membership event is one text record "<host:port> <counter>".
// Snapshots are a sequence of such records, one per line.

// NodeID identifies a cluster participant by its network address.
type NodeID struct {
	Host string
	Port int
}

// String returns the canonical host:port form used in journals and on the wire.
func (id NodeID) String() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// IsZero reports whether id is the zero NodeID.
func (id NodeID) IsZero() bool {
	return id.Host == "" && id.Port == 0
}

// Less orders node ids by their canonical string form.
func (id NodeID) Less(other NodeID) bool {
	return id.String() < other.String()
}

// ParseNodeID parses a host:port string.
func ParseNodeID(s string) (NodeID, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if host == "" {
		return NodeID{}, fmt.Errorf("invalid node id %q: empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return NodeID{}, fmt.Errorf("invalid node id %q: bad port", s)
	}
	return NodeID{Host: host, Port: port}, nil
}

// Event is the membership state of a node at one point of its lifecycle.
// Joins and leaves share this shape; Present derives which one it is.
type Event struct {
	Node    NodeID
	Counter int64
}

// Present reports whether counter describes a node that is in the cluster.
// Counters start at -1 (never joined) and advance by one on every join or
// leave, so even non-negative values are joins and odd values are leaves.
func Present(counter int64) bool {
	return counter >= 0 && counter%2 == 0
}

// Present reports whether the event announces the node as joined.
func (e Event) Present() bool {
	return Present(e.Counter)
}

// Kind returns "join" or "leave".
func (e Event) Kind() string {
	if e.Present() {
		return "join"
	}
	return "leave"
}

func (e Event) String() string {
	return e.Node.String() + " " + strconv.FormatInt(e.Counter, 10)
}

// MarshalText implements encoding.TextMarshaler.
func (e Event) MarshalText() ([]byte, error) {
	if e.Counter < 0 {
		return nil, fmt.Errorf("event %s: negative counter", e.Node)
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Event) UnmarshalText(b []byte) error {
	ev, err := ParseEvent(string(b))
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

var ErrMalformedEvent = errors.New("malformed membership event")

// ParseEvent decodes one "<host:port> <counter>" record.
func ParseEvent(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedEvent, line)
	}
	id, err := ParseNodeID(fields[0])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	counter, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || counter < 0 {
		return Event{}, fmt.Errorf("%w: bad counter in %q", ErrMalformedEvent, line)
	}
	return Event{Node: id, Counter: counter}, nil
}

// WriteEvents writes events as newline-terminated records.
func WriteEvents(w io.Writer, events []Event) error {
	bw := bufio.NewWriter(w)
	for _, ev := range events {
		b, err := ev.MarshalText()
		if err != nil {
			return err
		}
		bw.Write(b)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReadEvents reads records until EOF. Blank lines are skipped.
func ReadEvents(r io.Reader) ([]Event, error) {
	var out []Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := ev.UnmarshalText([]byte(line)); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

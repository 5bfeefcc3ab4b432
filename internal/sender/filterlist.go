package sender

import "github.com/relaysync/rsync/internal/rsyncwire"

// Filter is one exclude/include rule. The core only negotiates empty
// rule sets (spec.md §1 Non-goal on filter-rule evaluation), so Pattern
// is retained purely so a non-empty list from a peer can be logged
// rather than silently discarded.
type Filter struct {
	Modifier byte
	Pattern  string
}

// FilterList is the result of the exclusion-list exchange that precedes
// every transfer, sender or receiver side.
type FilterList struct {
	Filters []Filter
}

// RecvFilterList reads the filter list: a sequence of length-prefixed
// rule strings terminated by a zero length. This implementation expects
// (and only this implementation needs to expect) an empty list, since
// rule evaluation itself is out of core scope; a non-empty list is still
// read and returned so callers can log it rather than break framing.
func RecvFilterList(c *rsyncwire.Conn) (*FilterList, error) {
	fl := &FilterList{}
	for {
		n, err := c.ReadInt32()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return fl, nil
		}
		b, err := c.ReadN(int(n))
		if err != nil {
			return nil, err
		}
		fl.Filters = append(fl.Filters, Filter{Pattern: string(b)})
	}
}

// SendEmptyFilterList writes the zero-length terminator, the one shape
// of filter list this implementation ever originates.
func SendEmptyFilterList(c *rsyncwire.Conn) error {
	return c.WriteInt32(0)
}

package spoof

// VoteBuffer is a fixed-capacity ring of boolean votes; the oldest vote is
// overwritten once the buffer is full.
type VoteBuffer struct {
	votes []bool
	next  int
	n     int
}

// NewVoteBuffer returns an empty buffer holding capacity votes.
func NewVoteBuffer(capacity int) *VoteBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &VoteBuffer{votes: make([]bool, capacity)}
}

// Push records a vote.
func (v *VoteBuffer) Push(vote bool) {
	v.votes[v.next] = vote
	v.next = (v.next + 1) % len(v.votes)
	if v.n < len(v.votes) {
		v.n++
	}
}

// Full reports whether capacity votes have been recorded.
func (v *VoteBuffer) Full() bool { return v.n == len(v.votes) }

// Yes counts true votes currently held.
func (v *VoteBuffer) Yes() int {
	c := 0
	for i := 0; i < v.n; i++ {
		if v.votes[i] {
			c++
		}
	}
	return c
}

// Decided reports whether the buffer is full and at least majority votes are true.
func (v *VoteBuffer) Decided(majority int) bool {
	return v.Full() && v.Yes() >= majority
}

// Len returns the number of votes held.
func (v *VoteBuffer) Len() int { return v.n }

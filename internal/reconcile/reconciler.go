package reconcile

import "sync"

// Revisioned is implemented by snapshots that carry a server revision. A
// revision of zero means the payload did not carry one.
type Revisioned interface {
	Revision() int64
}

// Reconciler holds the fingerprint of the currently displayed snapshot for one
// subscription. It is safe for concurrent use so that overlapping push and
// poll deliveries can share it.
type Reconciler struct {
	mu       sync.Mutex
	last     Fingerprint
	revision int64
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Accept reports whether candidate should replace the held snapshot. Equal
// fingerprints are rejected, and so are candidates older than the newest
// revision accepted since the last ResetRevision, so a late arrival cannot
// regress the view.
func (r *Reconciler) Accept(candidate Fingerprinter) bool {
	var rev int64
	if rv, ok := candidate.(Revisioned); ok {
		rev = rv.Revision()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rev > 0 && rev < r.revision {
		return false
	}

	ok, fp := ShouldPropagate(r.last, candidate)
	if !ok {
		return false
	}

	r.last = fp
	if rev > r.revision {
		r.revision = rev
	}
	return true
}

// Last returns the fingerprint of the held snapshot.
func (r *Reconciler) Last() Fingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Revision returns the highest revision accepted since the last reset.
func (r *Reconciler) Revision() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// ResetRevision drops the revision mark but keeps the held fingerprint, so
// the next lower revision is judged on content alone. Called when a new
// transport lineage starts or the server is known to have restarted its
// revision sequence.
func (r *Reconciler) ResetRevision() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision = 0
}

// Reset forgets the held snapshot. Called when the watched resource changes.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = 0
	r.revision = 0
}

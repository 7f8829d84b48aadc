// Package timeline reconciles the backend's checkpoint list with the local
// timeline model.
//
// The backend is authoritative: every Reconcile replaces the list wholesale.
// Local state layered on top is limited to the user's selection and the
// pending-removal markers set by a revert. Both survive reconciliation only
// while the checkpoints they name are still reported.
package timeline

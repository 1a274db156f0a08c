package flow

import "fmt"

// FailureKind classifies why a session could not record attendance.
// Presentation switches on the kind; message text is never matched.
type FailureKind string

const (
	FailureScheduleInvalid  FailureKind = "schedule_invalid"
	FailureAlreadyRecorded  FailureKind = "already_recorded"
	FailureOutsideGeofence  FailureKind = "outside_geofence"
	FailureLocation         FailureKind = "location_failed"
	FailureCamera           FailureKind = "camera_failed"
	FailureNoEnrollment     FailureKind = "no_enrollment"
	FailureNoFace           FailureKind = "no_face_timeout"
	FailureUploadFailed     FailureKind = "upload_failed"
	FailureSubmissionFailed FailureKind = "submission_failed"
	FailureAborted          FailureKind = "aborted"
)

// Failure is a typed session error.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error, or "" for nil and
// untyped errors.
func KindOf(err error) FailureKind {
	if f, ok := err.(*Failure); ok {
		return f.Kind
	}
	return ""
}

package contentapi

import "fmt"

// Role identifies the kind of subject recording attendance.
type Role string

const (
	RoleStudent Role = "siswa"
	RoleTeacher Role = "guru"
	RoleStaff   Role = "pegawai"
)

// roleBinding maps a role onto the backend collections and the relation
// field an attendance record links the subject through. The mapping is a
// closed table; unknown roles are rejected up front rather than
// interpolated into endpoint paths.
type roleBinding struct {
	attendanceCollection string
	subjectCollection    string
	relationField        string
}

var roleBindings = map[Role]roleBinding{
	RoleStudent: {"presensi-siswas", "siswas", "siswa"},
	RoleTeacher: {"presensi-gurus", "gurus", "guru"},
	RoleStaff:   {"presensi-pegawais", "pegawais", "pegawai"},
}

// ParseRole validates a role string from config or token claims.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleBindings[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) binding() (roleBinding, error) {
	b, ok := roleBindings[r]
	if !ok {
		return roleBinding{}, fmt.Errorf("unknown role %q", string(r))
	}
	return b, nil
}

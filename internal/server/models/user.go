// Package models defines the persisted records of the registry: users with
// their permission state, and packages with their manifest documents.
package models

import "slices"

// ActionPublish is the global permission required to publish new packages.
const ActionPublish = "publish"

// ExpireNever marks an account without an expiry instant.
const ExpireNever = "never"

// User is a registered identity. Password holds the credential digest
// produced by the codec, never the plaintext. Permission lists global action
// names, Access lists packages readable beyond ownership, and Owner lists
// packages the user may write.
type User struct {
	Name       string
	Password   string
	Email      string
	Expire     string
	Permission []string
	Access     []string
	Owner      []string
}

// CanPerform reports whether the user holds the given global permission.
// Expire is stored but deliberately not consulted here; see the package
// documentation on the expiry gap.
func (u *User) CanPerform(action string) bool {
	return slices.Contains(u.Permission, action)
}

// CanWrite reports whether the user may write pkg: publishing rights plus
// ownership of the package.
func (u *User) CanWrite(pkg string) bool {
	return u.CanPerform(ActionPublish) && slices.Contains(u.Owner, pkg)
}

// CanRead reports whether the user may read pkg. Ownership implies read
// access, so Access is additive, never a restriction.
func (u *User) CanRead(pkg string) bool {
	return slices.Contains(u.Access, pkg) || u.CanWrite(pkg)
}

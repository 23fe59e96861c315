package billing

// AccessGuard answers the two ownership questions every operation asks.
type AccessGuard interface {
	// IsManagerOf is true iff the user is the project's manager of record.
	IsManagerOf(user User, project Project) bool
	// IsCustomerOwnerOf is true iff the user's linked customer owns the project.
	IsCustomerOwnerOf(user User, project Project) bool
}

// OwnershipGuard is the default AccessGuard, comparing identifiers only.
type OwnershipGuard struct{}

func (OwnershipGuard) IsManagerOf(user User, project Project) bool {
	return user.ID != "" && project.ManagerUserID == user.ID
}

func (OwnershipGuard) IsCustomerOwnerOf(user User, project Project) bool {
	return user.CustomerID != "" && project.CustomerID == user.CustomerID
}

// RequireRole fails with an *AuthorizationError unless the user holds role.
func RequireRole(user User, role Role) error {
	if !user.HasRole(role) {
		return denied(user, "requires the %s role", role)
	}
	return nil
}

// requireCustomer checks the Customer role and returns the linked customer.
func requireCustomer(user User) (string, error) {
	if err := RequireRole(user, RoleCustomer); err != nil {
		return "", err
	}
	if user.CustomerID == "" {
		return "", denied(user, "no customer associated with this user")
	}
	return user.CustomerID, nil
}

// requireManagerOf checks ownership of a single project.
func requireManagerOf(guard AccessGuard, user User, project Project) error {
	if !guard.IsManagerOf(user, project) {
		return denied(user, "not the project manager for %s", project.ID)
	}
	return nil
}

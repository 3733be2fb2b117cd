package auth

// qualifiedDocument scopes a document id to its collection so the same
// document id in two different collections is never conflated by a
// permission list — "room:doc-1" in collection "a" and "room:doc-1" in
// collection "b" are distinct grants. A bare documentID entry matches that
// document id in every collection, so tokens issued before a deployment
// adopted multiple collections keep working unchanged.
func qualifiedDocument(collection, documentID string) string {
	return collection + "/" + documentID
}

// CanReadDocument checks if user can read a document in collection.
func CanReadDocument(payload *TokenPayload, collection, documentID string) bool {
	if payload == nil {
		return false
	}

	// Admins can read everything
	if payload.Permissions.IsAdmin {
		return true
	}

	qualified := qualifiedDocument(collection, documentID)
	for _, id := range payload.Permissions.CanRead {
		if id == "*" || id == qualified || id == documentID {
			return true
		}
	}

	return false
}

// CanWriteDocument checks if user can write to a document in collection.
func CanWriteDocument(payload *TokenPayload, collection, documentID string) bool {
	if payload == nil {
		return false
	}

	// Admins can write everything
	if payload.Permissions.IsAdmin {
		return true
	}

	qualified := qualifiedDocument(collection, documentID)
	for _, id := range payload.Permissions.CanWrite {
		if id == "*" || id == qualified || id == documentID {
			return true
		}
	}

	return false
}

// CreateUserPermissions creates non-admin user permissions.
func CreateUserPermissions(canRead, canWrite []string) DocumentPermissions {
	return DocumentPermissions{
		CanRead:  canRead,
		CanWrite: canWrite,
		IsAdmin:  false,
	}
}

// CreateAdminPermissions creates admin permissions with full access.
func CreateAdminPermissions() DocumentPermissions {
	return DocumentPermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}

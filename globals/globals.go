package globals

// Context keys
type ContextKey string

const AdminKey ContextKey = "admin"
const RequestIDKey ContextKey = "requestId"

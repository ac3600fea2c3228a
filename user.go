package pulsar

import "context"

// GetUser will return the domain user object of the resolved identity if it
// matches type T. If the request is anonymous or the object is not of the
// right type, nil will be returned
func GetUser[T any](ctx context.Context) *T {
	v, ok := ctx.Value("user_object").(*T)
	if ok {
		return v
	}
	return nil
}

package authz

import "context"

// Oracle answers the one authorization question the relay asks: may this
// subject enter this project's room. An error means the answer could not
// be determined; callers must treat that as denial, never as allow.
type Oracle interface {
	IsMember(ctx context.Context, subjectID, projectID string) (bool, error)
}

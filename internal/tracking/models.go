package tracking

import (
	"backend-lari2gether/internal/reconcile"
	"backend-lari2gether/internal/tracker"
)

type StartRequest struct {
	PermissionGranted bool               `json:"permission_granted"`
	Fix               *tracker.RawSample `json:"fix,omitempty"`
}

type StopRequest struct {
	Confirm bool `json:"confirm"`
}

type StopResponse struct {
	Record tracker.RunRecord `json:"record"`
	Synced bool              `json:"synced"`
}

type DeleteResponse struct {
	LocalRemoved  int    `json:"local_removed"`
	RemoteRemoved int64  `json:"remote_removed"`
	LocalError    string `json:"local_error,omitempty"`
	RemoteError   string `json:"remote_error,omitempty"`
}

func deleteResponse(res reconcile.DeleteResult) DeleteResponse {
	out := DeleteResponse{LocalRemoved: res.LocalRemoved, RemoteRemoved: res.RemoteRemoved}
	if res.LocalErr != nil {
		out.LocalError = res.LocalErr.Error()
	}
	if res.RemoteErr != nil {
		out.RemoteError = res.RemoteErr.Error()
	}
	return out
}

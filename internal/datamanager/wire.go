package datamanager

import (
	"encoding/json"

	"vaultd/internal/overlay"
)

// refreshPayloadKind discriminates the two refresh payload shapes §6
// names — RefreshDataList (peer holdings advertisement, §4.4.7) and
// RefreshData (group-to-self consensus token, §4.4.6) — since both
// travel over the single SendRefreshRequest wire method.
type refreshPayloadKind uint8

const (
	refreshKindGroupToken refreshPayloadKind = iota
	refreshKindHoldingsList
)

type refreshEnvelope struct {
	Kind  refreshPayloadKind       `json:"kind"`
	Group *overlay.RefreshData     `json:"group,omitempty"`
	List  *overlay.RefreshDataList `json:"list,omitempty"`
}

func encodeRefreshData(r overlay.RefreshData) ([]byte, error) {
	return json.Marshal(refreshEnvelope{Kind: refreshKindGroupToken, Group: &r})
}

func encodeRefreshDataList(l overlay.RefreshDataList) ([]byte, error) {
	return json.Marshal(refreshEnvelope{Kind: refreshKindHoldingsList, List: &l})
}

// DecodeRefreshPayload parses a SendRefreshRequest payload, returning
// whichever of group/list it was encoded from. Exposed for the transport
// layer's /peer/refresh handler to dispatch onto HandleGroupRefresh or
// HandleRefresh.
func DecodeRefreshPayload(payload []byte) (group *overlay.RefreshData, list *overlay.RefreshDataList, err error) {
	var env refreshEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, err
	}
	return env.Group, env.List, nil
}

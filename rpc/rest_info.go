package rpc

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/multiformats/go-multiaddr"

	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/network"
)

type (
	infoResponse struct {
		ChainID         string     `json:"chainId"` // hex encoded chain identifier
		Name            string     `json:"name"`
		Height          uint64     `json:"height,string"`          // height of the tip of the chain
		FinalizedHeight uint64     `json:"finalizedHeight,string"` // blocks up to this height are final
		Status          string     `json:"status"`                 // status of the consensus
		Self            *peerInfo  `json:"self,omitempty"`         // information about this peer
		BootstrapNodes  []peerInfo `json:"bootstrapNodes"`
		OpenConnections []peerInfo `json:"openConnections"` // all libp2p connections to other peers in the network
	}

	peerInfo struct {
		Identifier string                `json:"identifier"`
		Addresses  []multiaddr.Multiaddr `json:"addresses"`
	}
)

/*
InfoEndpoints registers the "/info" endpoint. Function "status" returns the
current status of the consensus. Peer "self" may be nil, then the network
information is left out of the response.
*/
func InfoEndpoints(chainID []byte, name string, chain Chain, status func() string, self *network.Peer, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/info", infoHandler(chainID, name, chain, status, self, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func infoHandler(chainID []byte, name string, chain Chain, status func() string, self *network.Peer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := infoResponse{
			ChainID:         hex.EncodeToString(chainID),
			Name:            name,
			FinalizedHeight: chain.FinalizedHeight(),
			Status:          status(),
		}
		if tip := chain.LastBlock(); tip != nil {
			i.Height = tip.Height()
		}
		if self != nil {
			i.Self = &peerInfo{
				Identifier: self.ID().String(),
				Addresses:  self.MultiAddresses(),
			}
			i.BootstrapNodes = getBootstrapNodes(self)
			i.OpenConnections = getOpenConnections(self)
		}
		w.Header().Set(headerContentType, applicationJson)
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(i); err != nil {
			log.WarnContext(r.Context(), "failed to write info message", logger.Error(err))
		}
	}
}

func getOpenConnections(self *network.Peer) []peerInfo {
	connections := self.Network().Conns()
	peers := make([]peerInfo, len(connections))
	for i, connection := range connections {
		peers[i] = peerInfo{
			Identifier: connection.RemotePeer().String(),
			Addresses:  []multiaddr.Multiaddr{connection.RemoteMultiaddr()},
		}
	}
	return peers
}

func getBootstrapNodes(self *network.Peer) []peerInfo {
	bootstrapPeers := self.Configuration().BootstrapPeers
	infos := make([]peerInfo, len(bootstrapPeers))
	for i, p := range bootstrapPeers {
		infos[i] = peerInfo{Identifier: p.ID.String(), Addresses: p.Addrs}
	}
	return infos
}

func (pi *peerInfo) UnmarshalJSON(data []byte) error {
	var d struct {
		Identifier string   `json:"identifier"`
		Addresses  []string `json:"addresses"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}

	pi.Identifier = d.Identifier
	for _, addr := range d.Addresses {
		multiAddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return err
		}
		pi.Addresses = append(pi.Addresses, multiAddr)
	}
	return nil
}

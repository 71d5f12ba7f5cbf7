// Copyright 2017 Vector Creations Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command homeserver is the single-process entrypoint: it loads the YAML
// config, wires every internal component together, and serves both the
// client-server and federation HTTP surfaces.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/appservice/query"
	"github.com/matrix-org/dendrite-core/clientapi/routing"
	"github.com/matrix-org/dendrite-core/federationapi/internal/client"
	"github.com/matrix-org/dendrite-core/federationapi/internal/keyfetch"
	"github.com/matrix-org/dendrite-core/federationapi/internal/resolver"
	"github.com/matrix-org/dendrite-core/federationapi/internal/sender"
	fedrouting "github.com/matrix-org/dendrite-core/federationapi/routing"
	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/ratelimit"
	"github.com/matrix-org/dendrite-core/internal/roommutex"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/signingkeys"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	pushinternal "github.com/matrix-org/dendrite-core/pushapi/internal"
	"github.com/matrix-org/dendrite-core/roomserver/api"
	"github.com/matrix-org/dendrite-core/roomserver/internal/input"
	"github.com/matrix-org/dendrite-core/roomserver/internal/membership"
	"github.com/matrix-org/dendrite-core/roomserver/internal/roominfo"
	"github.com/matrix-org/dendrite-core/roomserver/internal/stateresolution"
	"github.com/matrix-org/dendrite-core/setup/config"
)

const stateResolutionCacheSize = 1024

func main() {
	var configPath string
	root := &cobra.Command{
		Use:   "homeserver",
		Short: "run a Matrix homeserver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "homeserver.yaml", "path to the YAML config file")
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("homeserver: fatal error")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	privKey, err := config.LoadPrivateKey(cfg.Global.PrivateKeyPath)
	if err != nil {
		return err
	}

	store, err := kv.Open(cfg.Global.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	shorts, err := shortid.New(store)
	if err != nil {
		return err
	}
	compressor, err := statecompressor.New(store, stateResolutionCacheSize)
	if err != nil {
		return err
	}
	tl, err := timeline.New(store)
	if err != nil {
		return err
	}
	infos, err := roominfo.New(store, shorts)
	if err != nil {
		return err
	}

	roomVersionLookup := func(ctx context.Context, roomID string) (eventutil.RoomVersion, error) {
		info, ierr := infos.RoomInfo(ctx, roomID)
		if ierr != nil {
			return "", ierr
		}
		if info == nil {
			return "", fmt.Errorf("homeserver: room %s not found", roomID)
		}
		return info.RoomVersion, nil
	}
	accessor := stateaccessor.New(shorts, compressor, tl, roomVersionLookup)
	stateRes, err := stateresolution.New(shorts, compressor, tl, roomVersionLookup, stateResolutionCacheSize)
	if err != nil {
		return err
	}

	res, err := resolver.New(cfg.FederationAPI.IPRangeDenylist)
	if err != nil {
		return err
	}

	signer := sender.Signer{ServerName: cfg.Global.ServerName, KeyID: cfg.Global.KeyID, PrivateKey: privKey}

	membershipQuery := &membership.Query{RoomInfos: infos, Accessor: accessor, SelfName: cfg.Global.ServerName}

	fedClient := client.New(res, signer, membershipQuery)

	signingCache, err := signingkeys.New(store, keyfetch.New(res), cfg.FederationAPI.TrustedNotaryServers, true, 4)
	if err != nil {
		return err
	}
	ownPub, ok := privKey.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("homeserver: private key does not yield an ed25519 public key")
	}
	if err := signingCache.SeedOwnKey(context.Background(), cfg.Global.ServerName, cfg.Global.KeyID,
		base64.RawStdEncoding.EncodeToString(ownPub), cfg.FederationAPI.KeyValidityPeriod); err != nil {
		return err
	}

	appIndex := query.NewIndex(compileAppServices(cfg.AppServices))

	txSender, err := sender.New(cfg.Global.ServerName, store, res, signer, membershipQuery, appIndex)
	if err != nil {
		return err
	}
	if err := txSender.Recover(context.Background()); err != nil {
		logrus.WithError(err).Warn("homeserver: sender recovery reported errors, continuing")
	}

	pushRes, err := resolver.New(cfg.PushAPI.GatewayIPRangeDenylist)
	if err != nil {
		return err
	}
	pushRegistry, err := pushinternal.NewRegistry(store)
	if err != nil {
		return err
	}
	pushDispatcher := pushinternal.New(tl, pushRes, txSender, pushRegistry, infos, accessor)

	output := fanoutConsumer{txSender, pushDispatcher}

	inputer := &input.Inputer{
		Shorts:             shorts,
		Compressor:         compressor,
		Timeline:           tl,
		Accessor:           accessor,
		StateRes:           stateRes,
		RoomInfos:          infos,
		Mutex:              roommutex.NewMap(),
		Federation:         fedClient,
		SigningKeys:        signingCache,
		Limiter:            ratelimit.New(cfg.ClientAPI.RateLimitBase, cfg.ClientAPI.RateLimitCap),
		Output:             output,
		MaxFetchPrevEvents: cfg.RoomServer.MaxFetchPrevEvents,
		FetchFanout:        cfg.RoomServer.FetchFanout,
	}

	fed := fedrouting.New(cfg.Global.ServerName, cfg.Global.KeyID, privKey, inputer, tl, signingCache)

	clientDeps := &routing.Dependencies{
		RoomServer: inputer,
		RoomInfos:  infos,
		Accessor:   accessor,
		Timeline:   tl,
		ServerName: cfg.Global.ServerName,
		KeyID:      cfg.Global.KeyID,
		PrivateKey: privKey,
		Limiter:    ratelimit.New(cfg.ClientAPI.RateLimitBase, cfg.ClientAPI.RateLimitCap),
	}

	fedRouter := mux.NewRouter()
	fed.Setup(fedRouter)
	go func() {
		logrus.WithField("addr", cfg.FederationAPI.ListenAddress).Info("homeserver: federation API listening")
		logrus.WithError(http.ListenAndServe(cfg.FederationAPI.ListenAddress, fedRouter)).Warn("homeserver: federation API stopped")
	}()

	clientRouter := mux.NewRouter()
	clientDeps.Setup(clientRouter)
	logrus.WithField("addr", cfg.ClientAPI.ListenAddress).Info("homeserver: client API listening")
	return http.ListenAndServe(cfg.ClientAPI.ListenAddress, clientRouter)
}

// fanoutConsumer delivers every roomserver output event to both the
// federation sender (so other servers learn of it) and the push
// dispatcher (so local recipients are notified), satisfying
// roomserver/api.OutputEventConsumer for two independent subscribers.
type fanoutConsumer struct {
	txSender api.OutputEventConsumer
	pushDisp api.OutputEventConsumer
}

func (f fanoutConsumer) WriteOutputEvents(roomID string, updates []api.OutputEvent) error {
	if err := f.txSender.WriteOutputEvents(roomID, updates); err != nil {
		return err
	}
	return f.pushDisp.WriteOutputEvents(roomID, updates)
}

func compileAppServices(apps []config.AppService) []query.Application {
	out := make([]query.Application, 0, len(apps))
	for _, a := range apps {
		out = append(out, query.Application{
			ID:              a.ID,
			URL:             a.URL,
			HSToken:         a.HSToken,
			SenderLocalpart: a.SenderLocalpart,
			RoomNamespaces:  compileNamespaces(a.RoomNamespaces),
			UserNamespaces:  compileNamespaces(a.UserNamespaces),
		})
	}
	return out
}

func compileNamespaces(ns []config.AppServiceNamespace) []query.Namespace {
	out := make([]query.Namespace, 0, len(ns))
	for _, n := range ns {
		out = append(out, query.Namespace{Exclusive: n.Exclusive, Regex: regexp.MustCompile(n.Regex)})
	}
	return out
}

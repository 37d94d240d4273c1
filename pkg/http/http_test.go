// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package http_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/gpu-memmgr/pkg/http"
)

func get(t *testing.T, address, path string) (int, string) {
	t.Helper()

	rpl, err := http.Get("http://" + address + path)
	require.NoError(t, err, "HTTP GET %s", path)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err, "reading response of HTTP GET %s", path)

	return rpl.StatusCode, string(body)
}

func TestServer(t *testing.T) {
	srv := NewServer()
	srv.GetMux().HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	require.NoError(t, srv.Start(""))
	require.Equal(t, "", srv.GetAddress(), "disabled server address")

	require.NoError(t, srv.Reconfigure("127.0.0.1:0"))
	address := srv.GetAddress()
	require.NotEmpty(t, address)

	status, body := get(t, address, "/ping")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "pong", body)

	require.Error(t, srv.Start("127.0.0.1:0"), "start of running server")

	require.NoError(t, srv.Reconfigure("127.0.0.1:0"), "reconfigure with the same address")
	require.Equal(t, address, srv.GetAddress(), "address after no-op reconfigure")
	require.NotEmpty(t, srv.GetAddress())

	status, _ = get(t, srv.GetAddress(), "/ping")
	require.Equal(t, http.StatusOK, status)

	srv.Stop()
	require.Equal(t, "", srv.GetAddress(), "stopped server address")

	_, err := http.Get("http://" + address + "/ping")
	require.Error(t, err, "HTTP GET from stopped server")

	srv.Stop()
}

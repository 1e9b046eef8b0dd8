package toolbox

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"fmt"
	"net"
	"strconv"

	"github.com/lab5e/gotoolbox/netutils"
)

// PortOfHostPort returns the port number of a host:port string
func PortOfHostPort(hostport string) (int, error) {
	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

// PublicEndpoint converts a listen address into an address other hosts can
// reach. If the host part is blank or 0.0.0.0 the public IP address is used,
// i.e. ":1288" becomes "[public ip]:1288".
func PublicEndpoint(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen, err
	}
	if host != "" && host != "0.0.0.0" {
		return listen, nil
	}
	ip, err := netutils.FindPublicIPv4()
	if err != nil {
		return listen, err
	}
	return fmt.Sprintf("%s:%s", ip.String(), port), nil
}

// EndpointWithFreePort returns an endpoint on the host with a free TCP port
func EndpointWithFreePort(host string) (string, error) {
	port, err := netutils.FreeTCPPort()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

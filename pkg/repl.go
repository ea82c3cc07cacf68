package protocol

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// REPL commands
func (stack *IPStack) Li() string {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()

	var res = "Name  Addr/Prefix     State"
	for _, name := range stack.interfaceNames() {
		iface := stack.Interfaces[name]
		res += "\n" + iface.Name + "  " + iface.IP.String() + "/" + strconv.Itoa(iface.Prefix.Bits())
		if iface.Down {
			res += "  down"
		} else {
			res += "  up"
		}
	}
	return res
}

func (stack *IPStack) Ln() string {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()

	var res = "Iface VIP          UDPAddr"
	for _, name := range stack.interfaceNames() {
		iface := stack.Interfaces[name]
		if iface.Down {
			continue
		}
		neighbors := make([]string, 0, len(iface.Neighbors))
		for neighborIp, neighborAddrPort := range iface.Neighbors {
			neighbors = append(neighbors, iface.Name+"   "+formatAddr(neighborIp)+"   "+neighborAddrPort.String())
		}
		sort.Strings(neighbors)
		for _, line := range neighbors {
			res += "\n" + line
		}
	}
	return res
}

func (stack *IPStack) Down(interfaceName string) error {
	return stack.setDown(interfaceName, true)
}

func (stack *IPStack) Up(interfaceName string) error {
	return stack.setDown(interfaceName, false)
}

func (stack *IPStack) setDown(interfaceName string, down bool) error {
	stack.Mutex.Lock()
	defer stack.Mutex.Unlock()

	iface, exists := stack.Interfaces[interfaceName]
	if !exists {
		return errors.Errorf("no interface named %q", interfaceName)
	}
	iface.Down = down
	return nil
}

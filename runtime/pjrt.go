package runtime

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/pjrt"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/target"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	muClients sync.Mutex
	clients   = make(map[string]*pjrt.Client)
)

// Client returns the PJRT client for the plugin of tgt. Clients are created on first use and shared by
// the whole process.
func Client(tgt target.Target) (*pjrt.Client, error) {
	if !tgt.UsesPJRT() {
		return nil, errors.Errorf("target %s doesn't use PJRT", tgt)
	}
	muClients.Lock()
	defer muClients.Unlock()
	if client, found := clients[tgt.Plugin]; found {
		return client, nil
	}
	plugin, err := pjrt.GetPlugin(tgt.Plugin)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading PJRT plugin for target %s", tgt)
	}
	client, err := plugin.NewClient(nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating client on %s for target %s", plugin, tgt)
	}
	klog.V(1).Infof("created PJRT client for target %s: %s", tgt, client)
	clients[tgt.Plugin] = client
	return client, nil
}

// ReleaseClients destroys the cached PJRT clients.
func ReleaseClients() error {
	muClients.Lock()
	defer muClients.Unlock()
	var firstErr error
	for name, client := range clients {
		if err := client.Destroy(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "destroying client for plugin %q", name)
		}
		delete(clients, name)
	}
	return firstErr
}

// executePJRT lowers, compiles and executes prog. feeds are in the order of the declared inputs.
func executePJRT(prog *netbuilder.Program, tgt target.Target, feeds []*tensors.Tensor, outputIDs []string) ([]*tensors.Tensor, error) {
	module, err := Lower(prog, outputIDs)
	if err != nil {
		return nil, err
	}
	client, err := Client(tgt)
	if err != nil {
		return nil, err
	}
	exec, err := client.Compile().WithStableHLO(module).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile program %q for %s", prog.Name(), tgt)
	}
	defer func() {
		if err := exec.Destroy(); err != nil {
			klog.Warningf("Error while destroying executable of program %q: %+v", prog.Name(), err)
		}
	}()

	buffers := make([]*pjrt.Buffer, 0, len(feeds))
	defer func() {
		for _, buffer := range buffers {
			if err := buffer.Destroy(); err != nil {
				klog.Warningf("Error while destroying input buffer of program %q: %+v", prog.Name(), err)
			}
		}
	}()
	var transferred int
	for i, feed := range feeds {
		buffer, err := client.BufferFromHost().FromFlatDataWithDimensions(feed.Flat(), feed.Dims()).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "transferring input #%d %s to %s", i, feed.ShapeString(), tgt)
		}
		buffers = append(buffers, buffer)
		transferred += feed.Memory()
	}
	klog.V(1).Infof("program %q: transferred %s of inputs to %s", prog.Name(), humanize.Bytes(uint64(transferred)), tgt)

	outputBuffers, err := exec.Execute(buffers...).DonateNone().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute program %q on %s", prog.Name(), tgt)
	}
	outputs := make([]*tensors.Tensor, len(outputBuffers))
	transferred = 0
	for i, buffer := range outputBuffers {
		if err == nil {
			outputs[i], err = bufferToTensor(buffer)
			if err != nil {
				err = errors.WithMessagef(err, "retrieving output %q of program %q", outputIDs[i], prog.Name())
			} else {
				transferred += outputs[i].Memory()
			}
		}
		if destroyErr := buffer.Destroy(); destroyErr != nil {
			klog.Warningf("Error while destroying output buffer of program %q: %+v", prog.Name(), destroyErr)
		}
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("program %q: transferred %s of outputs from %s", prog.Name(), humanize.Bytes(uint64(transferred)), tgt)
	return outputs, nil
}

func bufferToTensor(buffer *pjrt.Buffer) (*tensors.Tensor, error) {
	flat, dims, err := buffer.ToFlatDataAndDimensions()
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatAndDimensions(flat, dims)
}

/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clientfactory builds the Kubernetes clients the operator
// entrypoint needs from a single rest.Config: a dynamic client for the
// watched custom resources, a typed clientset for leader election, and an
// event recorder publishing to the API server.
package clientfactory

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/record"
)

// Client bundles the clients sharing one HTTP transport.
type Client struct {
	Dynamic   dynamic.Interface
	Clientset kubernetes.Interface
	Recorder  record.EventRecorder

	eventBroadcaster record.EventBroadcaster
}

// NewClientFor builds a Client from config. name is used as the reporting
// component of published events. If sch is nil, the client-go core scheme
// is used for event object references.
func NewClientFor(config *rest.Config, sch *runtime.Scheme, name string) (*Client, error) {
	httpClient, err := rest.HTTPClientFor(config)
	if err != nil {
		return nil, err
	}
	dynamicClient, err := dynamic.NewForConfigAndClient(config, httpClient)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfigAndClient(config, httpClient)
	if err != nil {
		return nil, err
	}
	if sch == nil {
		sch = scheme.Scheme
	}
	eventBroadcaster := record.NewBroadcaster()
	eventBroadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: clientset.CoreV1().Events("")})
	eventRecorder := eventBroadcaster.NewRecorder(sch, corev1.EventSource{Component: name})

	return &Client{
		Dynamic:          dynamicClient,
		Clientset:        clientset,
		Recorder:         eventRecorder,
		eventBroadcaster: eventBroadcaster,
	}, nil
}

// Close shuts down the event broadcaster, flushing queued events.
func (c *Client) Close() {
	if c.eventBroadcaster != nil {
		c.eventBroadcaster.Shutdown()
	}
}

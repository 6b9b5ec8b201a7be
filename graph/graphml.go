package graph

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type graphML struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphMLKey `xml:"key"`
	Graph   graphMLGraph `xml:"graph"`
}

type graphMLKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphMLGraph struct {
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphMLNode `xml:"node"`
	Edges       []graphMLEdge `xml:"edge"`
}

type graphMLNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphMLData `xml:"data"`
}

type graphMLEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphMLData `xml:"data"`
}

type graphMLData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// ExportGraphML writes the whole graph as GraphML, with entity type,
// description and source chunks on nodes and weight, keywords, description
// and source chunks on edges.
func (g *Graph) ExportGraphML(ctx context.Context, w io.Writer) error {
	entities, err := g.store.AllEntities(ctx)
	if err != nil {
		return fmt.Errorf("graph: exporting entities: %w", err)
	}
	relations, err := g.store.AllRelations(ctx)
	if err != nil {
		return fmt.Errorf("graph: exporting relations: %w", err)
	}

	edgeDefault := "undirected"
	if g.directed {
		edgeDefault = "directed"
	}
	doc := graphML{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys: []graphMLKey{
			{ID: "d0", For: "node", AttrName: "entity_type", AttrType: "string"},
			{ID: "d1", For: "node", AttrName: "description", AttrType: "string"},
			{ID: "d2", For: "node", AttrName: "source_id", AttrType: "string"},
			{ID: "d3", For: "edge", AttrName: "weight", AttrType: "double"},
			{ID: "d4", For: "edge", AttrName: "description", AttrType: "string"},
			{ID: "d5", For: "edge", AttrName: "keywords", AttrType: "string"},
			{ID: "d6", For: "edge", AttrName: "source_id", AttrType: "string"},
		},
		Graph: graphMLGraph{EdgeDefault: edgeDefault},
	}

	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	withChunks, err := g.store.GetEntities(ctx, names)
	if err != nil {
		return fmt.Errorf("graph: exporting entity chunks: %w", err)
	}
	for _, e := range withChunks {
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphMLNode{
			ID: e.Name,
			Data: []graphMLData{
				{Key: "d0", Value: e.Type},
				{Key: "d1", Value: e.Description},
				{Key: "d2", Value: strings.Join(e.SourceChunks, fragmentSep)},
			},
		})
	}

	ids := make([]int64, len(relations))
	for i, r := range relations {
		ids[i] = r.ID
	}
	relations, err = g.store.GetRelationsByID(ctx, ids)
	if err != nil {
		return fmt.Errorf("graph: exporting relation chunks: %w", err)
	}
	for _, r := range relations {
		doc.Graph.Edges = append(doc.Graph.Edges, graphMLEdge{
			Source: r.Source,
			Target: r.Target,
			Data: []graphMLData{
				{Key: "d3", Value: strconv.FormatFloat(r.Weight, 'f', -1, 64)},
				{Key: "d4", Value: r.Description},
				{Key: "d5", Value: r.Keywords},
				{Key: "d6", Value: strings.Join(r.SourceChunks, fragmentSep)},
			},
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("graph: encoding graphml: %w", err)
	}
	return enc.Close()
}

package backup

import (
	"encoding/xml"
	"fmt"
	"io"
)

// GEXF 1.3 document, enough for Gephi to lay the graph out.
type gexfDoc struct {
	XMLName xml.Name  `xml:"gexf"`
	XMLNS   string    `xml:"xmlns,attr"`
	Version string    `xml:"version,attr"`
	Meta    gexfMeta  `xml:"meta"`
	Graph   gexfGraph `xml:"graph"`
}

type gexfMeta struct {
	LastModified string `xml:"lastmodifieddate,attr"`
	Creator      string `xml:"creator"`
	Description  string `xml:"description"`
}

type gexfGraph struct {
	Mode            string         `xml:"mode,attr"`
	DefaultEdgeType string         `xml:"defaultedgetype,attr"`
	Attributes      gexfAttributes `xml:"attributes"`
	Nodes           []gexfNode     `xml:"nodes>node"`
	Edges           []gexfEdge     `xml:"edges>edge"`
}

type gexfAttributes struct {
	Class string     `xml:"class,attr"`
	Attrs []gexfAttr `xml:"attribute"`
}

type gexfAttr struct {
	ID    string `xml:"id,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

type gexfNode struct {
	ID     string          `xml:"id,attr"`
	Label  string          `xml:"label,attr"`
	Values []gexfAttrValue `xml:"attvalues>attvalue"`
}

type gexfAttrValue struct {
	For   string `xml:"for,attr"`
	Value string `xml:"value,attr"`
}

type gexfEdge struct {
	ID     string `xml:"id,attr"`
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
	Label  string `xml:"label,attr,omitempty"`
}

const (
	attrKind     = "0"
	attrOntology = "1"
)

func gexfNodeOf(id, label, kind, ontology string) gexfNode {
	return gexfNode{
		ID:    id,
		Label: label,
		Values: []gexfAttrValue{
			{For: attrKind, Value: kind},
			{For: attrOntology, Value: ontology},
		},
	}
}

func writeGEXF(w io.Writer, a *Artifact) error {
	g := a.Graph
	doc := gexfDoc{
		XMLNS:   "http://gexf.net/1.3",
		Version: "1.3",
		Meta: gexfMeta{
			LastModified: a.Manifest.CreatedAt.UTC().Format("2006-01-02"),
			Creator:      "graphkeeper",
			Description:  fmt.Sprintf("%s backup (%s)", a.Manifest.BackupType, a.Manifest.Scope()),
		},
		Graph: gexfGraph{
			Mode:            "static",
			DefaultEdgeType: "directed",
			Attributes: gexfAttributes{
				Class: "node",
				Attrs: []gexfAttr{
					{ID: attrKind, Title: "kind", Type: "string"},
					{ID: attrOntology, Title: "ontology", Type: "string"},
				},
			},
		},
	}

	for _, c := range g.Concepts {
		doc.Graph.Nodes = append(doc.Graph.Nodes, gexfNodeOf(c.ID, c.Label, "concept", c.Ontology))
	}
	for _, s := range g.Sources {
		doc.Graph.Nodes = append(doc.Graph.Nodes, gexfNodeOf(s.ID, s.Title, "source", s.Ontology))
	}
	for _, ref := range g.External {
		label := ref.Label
		if label == "" {
			label = ref.ID
		}
		doc.Graph.Nodes = append(doc.Graph.Nodes, gexfNodeOf(ref.ID, label, "external", ref.Ontology))
	}
	for _, inst := range g.Instances {
		doc.Graph.Nodes = append(doc.Graph.Nodes, gexfNodeOf(inst.ID, inst.Quote, "instance", inst.Ontology))
		doc.Graph.Edges = append(doc.Graph.Edges,
			gexfEdge{ID: inst.ID + ":concept", Source: inst.ID, Target: inst.ConceptID, Label: "instance_of"},
			gexfEdge{ID: inst.ID + ":source", Source: inst.ID, Target: inst.SourceID, Label: "found_in"},
		)
	}
	for _, rel := range g.Relationships {
		doc.Graph.Edges = append(doc.Graph.Edges, gexfEdge{ID: rel.ID, Source: rel.FromID, Target: rel.ToID, Label: rel.Type})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode gexf: %w", err)
	}
	return enc.Close()
}

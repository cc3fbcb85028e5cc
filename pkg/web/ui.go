package web

// indexHTML is the embedded single-file web UI served at "/".
// Flows stream in over the WebSocket; filtering is done server-side with the
// same expression language as archive_filter.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>warc-proxy</title>
<style>
  :root {
    --bg: #1a1a2e; --bg2: #16213e; --bg3: #0f3460;
    --fg: #e0e0e0; --fg2: #a0a0b0;
    --green: #4caf50; --yellow: #ffc107; --red: #f44336; --cyan: #00bcd4;
    --selected: #1e3a5f; --border: #2a2a4a;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: 'Menlo','Monaco','Courier New',monospace; background: var(--bg); color: var(--fg); height: 100vh; display: flex; flex-direction: column; font-size: 13px; }
  #header { background: var(--bg3); padding: 8px 16px; display: flex; align-items: center; gap: 16px; border-bottom: 1px solid var(--border); }
  #header h1 { font-size: 15px; color: var(--cyan); }
  #header .stats { color: var(--fg2); font-size: 12px; }
  #header .dot { width: 8px; height: 8px; border-radius: 50%; background: var(--red); }
  #header .dot.live { background: var(--green); }
  #toolbar { background: var(--bg2); padding: 6px 16px; display: flex; gap: 8px; border-bottom: 1px solid var(--border); }
  #filter-input { background: var(--bg); border: 1px solid var(--border); color: var(--fg); padding: 4px 8px; font-family: inherit; font-size: 12px; width: 350px; border-radius: 3px; }
  #filter-input.bad { border-color: var(--red); }
  .btn { background: var(--bg3); border: 1px solid var(--border); color: var(--fg2); padding: 4px 10px; cursor: pointer; font-family: inherit; font-size: 12px; border-radius: 3px; }
  .btn:hover { color: var(--fg); border-color: var(--cyan); }
  #main { display: flex; flex: 1; overflow: hidden; }
  #flow-list { width: 55%; border-right: 1px solid var(--border); overflow-y: auto; }
  table { width: 100%; border-collapse: collapse; }
  thead { position: sticky; top: 0; background: var(--bg2); }
  th { padding: 6px 8px; text-align: left; color: var(--cyan); border-bottom: 1px solid var(--border); font-size: 11px; }
  td { padding: 5px 8px; border-bottom: 1px solid var(--border); white-space: nowrap; overflow: hidden; text-overflow: ellipsis; max-width: 240px; cursor: pointer; }
  tr:hover { background: var(--bg2); }
  tr.selected { background: var(--selected); }
  .s2 { color: var(--green); } .s3 { color: var(--cyan); } .s4 { color: var(--yellow); } .s5, .err { color: var(--red); }
  .archived { color: var(--green); } .skipped { color: var(--fg2); } .failed { color: var(--red); }
  #detail { width: 45%; overflow-y: auto; padding: 12px; }
  #detail h3 { color: var(--cyan); font-size: 11px; margin: 12px 0 6px; text-transform: uppercase; letter-spacing: 1px; }
  pre { background: var(--bg); padding: 8px; border-radius: 3px; font-size: 11px; white-space: pre-wrap; word-break: break-all; max-height: 420px; overflow-y: auto; }
  .empty { color: var(--fg2); font-style: italic; padding: 16px; text-align: center; }
</style>
</head>
<body>
<div id="header">
  <div class="dot" id="ws-dot"></div>
  <h1>warc-proxy</h1>
  <span class="stats" id="stats">0 flows</span>
  <span class="stats" id="archive"></span>
</div>
<div id="toolbar">
  <input id="filter-input" type="text" placeholder='filter: ~d example.com  ~s 5  ~a failed' />
  <button class="btn" onclick="clearFlows()">Clear</button>
</div>
<div id="main">
  <div id="flow-list">
    <table>
      <thead><tr><th>Method</th><th>Status</th><th>Host</th><th>Path</th><th>Archive</th><th>Time</th></tr></thead>
      <tbody id="flow-tbody"></tbody>
    </table>
    <div id="empty" class="empty">No traffic yet. Point your client at the proxy.</div>
  </div>
  <div id="detail"><div class="empty">Select a flow to see its WARC records</div></div>
</div>

<script>
const flows = new Map();
let visible = null; // null means no filter
let selectedId = null;
let filterExpr = '';

function connect() {
  const ws = new WebSocket('ws://' + location.host + '/ws');
  ws.onopen = () => { document.getElementById('ws-dot').className = 'dot live'; };
  ws.onclose = () => { document.getElementById('ws-dot').className = 'dot'; setTimeout(connect, 2000); };
  ws.onmessage = e => {
    const evt = JSON.parse(e.data);
    if (!evt.flow) return;
    flows.set(evt.flow.id, evt.flow);
    if (filterExpr) scheduleRefilter(); else render();
    if (selectedId === evt.flow.id) showDetail(selectedId);
  };
}

let refilterTimer = null;
function scheduleRefilter() {
  clearTimeout(refilterTimer);
  refilterTimer = setTimeout(refilter, 250);
}

async function refilter() {
  const input = document.getElementById('filter-input');
  filterExpr = input.value.trim();
  if (!filterExpr) { visible = null; input.className = ''; render(); return; }
  const r = await fetch('/api/flows?filter=' + encodeURIComponent(filterExpr));
  if (!r.ok) { input.className = 'bad'; return; }
  input.className = '';
  const list = await r.json();
  visible = new Set(list.map(f => f.id));
  for (const f of list) flows.set(f.id, f);
  render();
}
document.getElementById('filter-input').addEventListener('input', scheduleRefilter);

function archiveState(f) {
  const a = f.archive || {};
  if (a.skipped) return 'skipped';
  if (a.error) return 'failed';
  if (a.requestRecordId) return 'archived';
  return '';
}

function render() {
  const tbody = document.getElementById('flow-tbody');
  const rows = [];
  for (const [id, f] of flows) {
    if (visible && !visible.has(id)) continue;
    const req = f.request || {};
    const code = f.response ? f.response.statusCode : null;
    const st = code ? '<span class="s' + String(code)[0] + '">' + code + '</span>' : (f.error ? '<span class="err">ERR</span>' : '…');
    const arch = archiveState(f);
    rows.push('<tr data-id="' + id + '"' + (id === selectedId ? ' class="selected"' : '') + '>' +
      '<td>' + esc(req.method || '') + '</td><td>' + st + '</td>' +
      '<td>' + esc(req.host || '') + '</td><td title="' + esc(req.path || '') + '">' + esc(req.path || '') + '</td>' +
      '<td class="' + arch + '">' + arch + '</td><td>' + fmtDur(f) + '</td></tr>');
  }
  tbody.innerHTML = rows.join('');
  document.getElementById('empty').style.display = rows.length ? 'none' : 'block';
  document.getElementById('stats').textContent = flows.size + ' flows';
}

document.getElementById('flow-tbody').addEventListener('click', e => {
  const tr = e.target.closest('tr');
  if (!tr) return;
  selectedId = tr.dataset.id;
  render();
  showDetail(selectedId);
});

async function showDetail(id) {
  const r = await fetch('/api/flows/' + id + '/warc');
  const el = document.getElementById('detail');
  if (!r.ok) { el.innerHTML = '<div class="empty">flow evicted</div>'; return; }
  const d = await r.json();
  let html = '<h3>archive</h3><pre>' + esc(JSON.stringify(d.archive, null, 2)) + '</pre>';
  for (const kind of ['request', 'response']) {
    const b = d.blocks[kind];
    if (!b) continue;
    html += '<h3>' + kind + ' record · ' + esc(b.url) + '</h3>';
    if (b.error) html += '<pre class="failed">' + esc(b.error) + '</pre>';
    html += '<pre>' + esc(b.block) + '</pre>';
  }
  el.innerHTML = html;
}

async function clearFlows() {
  await fetch('/api/flows', {method: 'DELETE'});
  flows.clear();
  selectedId = null;
  render();
}

async function pollArchive() {
  try {
    const r = await fetch('/api/archive');
    if (r.ok) {
      const s = await r.json();
      document.getElementById('archive').textContent =
        s.path + ' · ' + s.recordsWritten + ' records · ' + s.writeFailures + ' failed · queue ' + s.queued + '/' + s.queueCapacity;
    }
  } catch (e) {}
  setTimeout(pollArchive, 2000);
}

function fmtDur(f) {
  const t = f.timestamps || {};
  if (!t.responseDone || t.responseDone.startsWith('0001')) return '';
  const ms = new Date(t.responseDone) - new Date(t.created);
  return ms < 1000 ? ms + 'ms' : (ms / 1000).toFixed(1) + 's';
}

function esc(s) {
  return String(s).replace(/&/g, '&amp;').replace(/</g, '&lt;').replace(/>/g, '&gt;').replace(/"/g, '&quot;');
}

fetch('/api/flows').then(r => r.json()).then(all => {
  for (const f of all) flows.set(f.id, f);
  render();
});
connect();
pollArchive();
</script>
</body>
</html>
`
